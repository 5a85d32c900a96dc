// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// pdata formats, inspects and serves persistent-data key-value stores.
//
// Usage:
//
//	pdata format                   # create an empty store
//	pdata set 1,2 0102030405060708 # store a value under keys 1 and 2
//	pdata get 1,2
//	pdata del 1,2
//	pdata dump -n 20               # list the first 20 values
//	pdata check                    # verify tree and space map
//	pdata stress -w 8 -n 10000     # concurrent readers and writers
//	pdata serve                    # HTTP inspection server
//
// Settings come from pdata.yaml, PDATA_* variables and flags.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
