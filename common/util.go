package common

import (
	"context"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// GetLogTagsForContext copy the component log tags, adding the parameters of the
// request carried by the context if one is present
func (c Component) GetLogTagsForContext(ctxt context.Context) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	if ctxt != nil {
		if v, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
			v.updateLogTags(result)
		}
	}
	return result
}

// RequestParam parameters of an inbound status API request, stored in the request context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method
	Method string `json:"method"`
	// URI is the request URI
	URI string `json:"uri"`
}

func (i RequestParam) updateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = i.URI
}
