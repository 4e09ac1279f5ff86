// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via
// -ldflags "-X main.Version=v1.2.3".
var Version = "dev"

func runVersion(cmd *cobra.Command, args []string) {
	if versionShort {
		fmt.Println(Version)
		return
	}
	fmt.Printf("metaloop %s (%s, %s/%s)\n",
		Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
