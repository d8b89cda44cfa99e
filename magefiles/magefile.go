//go:build mage

// Copyright (c) 2026 Petar Djukic. All rights reserved.
// SPDX-License-Identifier: MIT

// Package main provides build targets for the canopy project using Mage.
//
// Usage:
//
//	mage build              Compile canopy binary to bin/
//	mage test:all           Run all tests (unit + binary)
//	mage test:unit          Run unit tests (-short, no binary build)
//	mage test:integration   Run the tests that drive the built binary
//	mage test:race          Run all tests with the race detector
//	mage test:cover         Write coverage.out and print the summary
//	mage lint               Run golangci-lint
//	mage clean              Remove build artifacts
//	mage install            Install canopy to GOPATH/bin
//	mage stats              Print Go LOC per package
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return err
	}
	src := filepath.Join(binaryDir, binaryName)
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, src)
}

// Stats prints production and test lines of Go per package directory.
func Stats() error {
	type count struct{ prod, test int }
	perDir := map[string]*count{}

	err := filepath.Walk(".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			switch path {
			case "vendor", ".git", "_examples", binaryDir, "magefiles":
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		n, err := countLines(path)
		if err != nil {
			return nil
		}
		dir := filepath.Dir(path)
		c := perDir[dir]
		if c == nil {
			c = &count{}
			perDir[dir] = c
		}
		if strings.HasSuffix(path, "_test.go") {
			c.test += n
		} else {
			c.prod += n
		}
		return nil
	})
	if err != nil {
		return err
	}

	dirs := make([]string, 0, len(perDir))
	for d := range perDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	var prod, test int
	for _, d := range dirs {
		c := perDir[d]
		fmt.Printf("%-28s %6d %6d\n", d, c.prod, c.test)
		prod += c.prod
		test += c.test
	}
	fmt.Printf("%-28s %6d %6d\n", "total (production, tests)", prod, test)
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}
