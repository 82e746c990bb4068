package jobdefs

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema compiles an inline JSON Schema string, giving it id as its
// resource URL so compiler error messages reference it by name.
func compileSchema(id, schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic("jobdefs: invalid schema " + id + ": " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(id, doc); err != nil {
		panic("jobdefs: add resource " + id + ": " + err.Error())
	}
	schema, err := c.Compile(id)
	if err != nil {
		panic("jobdefs: compile " + id + ": " + err.Error())
	}
	return schema
}
