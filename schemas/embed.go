// Package schemas carries the JSON schemas for the cache document and the viewer protocol.
package schemas

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed *.schema.json
var files embed.FS

const (
	ChunkCache      = "chunk_cache.schema.json"
	ViewerClient    = "viewer_client.schema.json"
	ViewerTick      = "viewer_tick.schema.json"
	ViewerChunk     = "viewer_chunk.schema.json"
	ViewerEvict     = "viewer_evict.schema.json"
	ViewerBootstrap = "viewer_bootstrap.schema.json"
)

// Compile compiles one of the embedded schemas by file name.
func Compile(name string) (*jsonschema.Schema, error) {
	raw, err := files.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return s, nil
}

func MustCompile(name string) *jsonschema.Schema {
	s, err := Compile(name)
	if err != nil {
		panic(err)
	}
	return s
}
