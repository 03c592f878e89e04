// Package address parses logical queue names and renders them into the native
// path syntax understood by queue subsystems.
//
// A logical queue name is either "queue" (a private queue on the local machine)
// or "queue@host", where host is a machine name, ".", "localhost" or an IPv4
// dotted-quad literal.
package address

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	privateSegment = `\private$\`
	formatNameOS   = "FormatName:DIRECT=OS:"
	formatNameTCP  = "FormatName:DIRECT=TCP:"
	localMachine   = "."
	localhost      = "localhost"
)

// ErrInvalidAddress is returned when a queue name or path cannot be parsed.
var ErrInvalidAddress = errors.New("address: invalid queue address")

// Address is a parsed logical queue address. An empty Host means the queue
// lives on the local machine and was not qualified.
type Address struct {
	QueueName string
	Host      string
}

func (a Address) String() string {
	if a.Host == "" {
		return a.QueueName
	}

	return a.QueueName + "@" + a.Host
}

// Parse splits name into queue name and host token.
func Parse(name string) (Address, error) {
	tokens := strings.Split(name, "@")

	switch {
	case len(tokens) > 2:
		return Address{}, fmt.Errorf(`%w: %q - use "someQueue", "someQueue@anotherMachine" or "someQueue@10.0.1.45"`,
			ErrInvalidAddress, name)
	case tokens[0] == "":
		return Address{}, fmt.Errorf("%w: %q has an empty queue name", ErrInvalidAddress, name)
	case len(tokens) == 2:
		if tokens[1] == "" {
			return Address{}, fmt.Errorf("%w: %q has an empty host", ErrInvalidAddress, name)
		}

		return Address{QueueName: tokens[0], Host: tokens[1]}, nil
	default:
		return Address{QueueName: tokens[0]}, nil
	}
}

// LocalPath renders the short, unqualified path used for local administrative
// operations.
func LocalPath(a Address) string {
	host := a.Host
	if host == "" {
		host = localMachine
	}

	return host + privateSegment + a.QueueName
}

// FullPath renders a machine-qualified path suitable for sending. IPv4 hosts
// are addressed over TCP, everything else by (lower-cased) machine name.
func FullPath(a Address, localHostname string) string {
	host := a.Host
	if host == "" {
		host = localHostname
	}

	host = strings.ToLower(host)

	if IsIPv4(host) {
		return formatNameTCP + host + privateSegment + a.QueueName
	}

	return formatNameOS + host + privateSegment + a.QueueName
}

// IsLocal reports whether a refers to a queue on this machine.
func IsLocal(a Address, localHostname string) bool {
	return a.Host == "" || a.Host == localMachine || strings.EqualFold(a.Host, localHostname)
}

// IsIPv4 reports whether host is four dot-separated fields, each an unsigned byte.
func IsIPv4(host string) bool {
	fields := strings.Split(host, ".")
	if len(fields) != 4 {
		return false
	}

	for _, f := range fields {
		if _, err := strconv.ParseUint(f, 10, 8); err != nil {
			return false
		}
	}

	return true
}

// GloballyAddressable qualifies an unqualified name with the local hostname.
func GloballyAddressable(name, localHostname string) string {
	if strings.Contains(name, "@") {
		return name
	}

	return name + "@" + localHostname
}

// ParsePath inverts LocalPath and FullPath.
func ParsePath(path string) (Address, error) {
	rest := path

	switch {
	case hasPrefixFold(rest, formatNameOS):
		rest = rest[len(formatNameOS):]
	case hasPrefixFold(rest, formatNameTCP):
		rest = rest[len(formatNameTCP):]
	}

	idx := strings.Index(strings.ToLower(rest), strings.ToLower(privateSegment))
	if idx <= 0 {
		return Address{}, fmt.Errorf("%w: unrecognized path %q", ErrInvalidAddress, path)
	}

	host, queue := rest[:idx], rest[idx+len(privateSegment):]
	if queue == "" || strings.Contains(queue, "@") {
		return Address{}, fmt.Errorf("%w: unrecognized path %q", ErrInvalidAddress, path)
	}

	if host == localMachine {
		host = ""
	}

	return Address{QueueName: queue, Host: host}, nil
}

// Key returns the canonical identity of the queue behind path. Every spelling
// of a local queue ("." , "localhost", the local hostname, unqualified)
// collapses to the same key.
func Key(path, localHostname string) (string, error) {
	a, err := ParsePath(path)
	if err != nil {
		return "", err
	}

	host := strings.ToLower(a.Host)
	if IsLocal(a, localHostname) || host == localhost {
		host = strings.ToLower(localHostname)
	}

	return strings.ToLower(a.QueueName) + "@" + host, nil
}

// Hostname returns the local machine name, or "localhost" when it cannot be determined.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return localhost
	}

	return name
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
