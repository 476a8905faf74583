package handlers

import (
	"noctuaid/backend/internal/directory"
	"noctuaid/backend/internal/passwordflow"

	"github.com/gin-gonic/gin"
)

var (
	dirClient directory.Client
	flow      *passwordflow.Flow
)

// Init wires the handler package to its collaborators. Called once
// from main; tests substitute fakes through the same entry point.
func Init(dir directory.Client, f *passwordflow.Flow) {
	dirClient = dir
	flow = f
}

// fieldErrors is the response shape for user-correctable, field-scoped
// errors.
func fieldErrors(pairs map[string][]string) gin.H {
	return gin.H{"field_errors": pairs}
}

func fieldError(field, message string) gin.H {
	return fieldErrors(map[string][]string{field: {message}})
}
