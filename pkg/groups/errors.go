// Copyright 2024-2026 Aiku AI

package groups

import (
	"fmt"
	"strconv"

	"github.com/aiku/waforward/pkg/wanode"
)

// IQError is a protocol-level rejection carried in the error child of a
// response.
type IQError struct {
	Code int
	Text string
}

func (e *IQError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("server returned error %d", e.Code)
	}
	return fmt.Sprintf("server returned error %d: %s", e.Code, e.Text)
}

func checkIQError(resp wanode.Node) error {
	if resp.AttrString("type") != "error" && !resp.HasChild("error") {
		return nil
	}
	errNode, ok := resp.Child("error")
	if !ok {
		return &IQError{Text: "error response without details"}
	}
	code, _ := strconv.Atoi(errNode.AttrString("code"))
	return &IQError{Code: code, Text: errNode.AttrString("text")}
}

// StatusCode returns the protocol error code.
func (e *IQError) StatusCode() int {
	return e.Code
}
