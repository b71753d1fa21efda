// Package trand provides random string and random name utilities for tests
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package trand

import (
	"math/rand"
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func String(n int) string {
	return StringWithSrc(rand.New(rand.NewSource(rand.Int63())), n)
}

func StringWithSrc(src *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[src.Intn(len(letters))]
	}
	return string(b)
}

func Bytes(src *rand.Rand, n int) []byte {
	b := make([]byte, n)
	src.Read(b)
	return b
}
