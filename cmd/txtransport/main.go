package main

import (
	"github.com/architeacher/txtransport/internal/runtime"
)

func main() {
	runtime.New().Run()
}
