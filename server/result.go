package server

import (
	"fmt"

	"github.com/mrasu/ddblock/server/locks"
)

// Result tells which locks a statement took.
type Result struct {
	ResourceType string
	Mode         locks.LockMode
	ResourceIDs  []uint64
}

func NewEmptyResult() *Result {
	return &Result{}
}

func (r *Result) IsEmpty() bool {
	return r.ResourceType == ""
}

func (r *Result) Inspect() {
	if r.IsEmpty() {
		fmt.Println("(no locks)")
		return
	}
	fmt.Printf("%s lock on %s %v\n", r.Mode, r.ResourceType, r.ResourceIDs)
}
