// Package tnet contains listener helpers and network error classification.
package tnet
