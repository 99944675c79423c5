package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// Component base structure for a major component
type Component struct {
	LogTags log.Fields
}

// RequestParam is a helper object for logging a session's parameters into its context
type RequestParam struct {
	// ID is the request or connection ID
	ID string `json:"id"`
	// Method is the request method: GET, POST, or WS for websocket sessions
	Method string `json:"method"`
	// URI is the request URI
	URI string `json:"uri"`
}

// UpdateLogTags updates Apex log.Fields map with values from the request's parameters
func (i *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = fmt.Sprintf("'%s'", i.URI)
}

// UpdateLogTags helper function to build a new log tags set which merges the
// session parameters stored in the context with an existing set of tags
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	result := log.Fields{}
	for field, value := range original {
		result[field] = value
	}
	if param, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
		param.UpdateLogTags(result)
	}
	return result, nil
}
