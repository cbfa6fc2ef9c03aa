package httpapi

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://relaydoc.local/schemas/"

//go:embed schemas/*.json
var schemaFiles embed.FS

type schemaSet struct {
	command        *jsonschema.Schema
	open           *jsonschema.Schema
	session        *jsonschema.Schema
	task           *jsonschema.Schema
	commandService *jsonschema.Schema
}

var requestSchemas = mustCompileSchemas()

func mustCompileSchemas() schemaSet {
	set, err := compileSchemas(schemaFiles)
	if err != nil {
		panic(err)
	}
	return set
}

func compileSchemas(files fs.FS) (schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	entries, err := fs.ReadDir(files, "schemas")
	if err != nil {
		return schemaSet{}, err
	}
	for _, entry := range entries {
		raw, err := fs.ReadFile(files, path.Join("schemas", entry.Name()))
		if err != nil {
			return schemaSet{}, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return schemaSet{}, fmt.Errorf("parse schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), doc); err != nil {
			return schemaSet{}, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
	}
	compile := func(name string) (*jsonschema.Schema, error) {
		sch, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return sch, nil
	}
	var set schemaSet
	for name, dst := range map[string]**jsonschema.Schema{
		"command.json":         &set.command,
		"open.json":            &set.open,
		"session.json":         &set.session,
		"task.json":            &set.task,
		"command_service.json": &set.commandService,
	} {
		if *dst, err = compile(name); err != nil {
			return schemaSet{}, err
		}
	}
	return set, nil
}

// validateJSON checks raw against sch before it is decoded into a Go value.
func validateJSON(sch *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	return nil
}
