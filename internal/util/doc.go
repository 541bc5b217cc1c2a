// Package util provides small helpers shared by the server and HTTP packages.
package util
