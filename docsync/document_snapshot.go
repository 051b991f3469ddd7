package docsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Snapshots store the document JSON at rest as a protobuf `Struct`.

func EncodeSnapshot(doc *Document) ([]byte, error) {
	docJson, err := json.Marshal(doc.ToJSON(false))
	if err != nil {
		return nil, err
	}
	snapshot := &structpb.Struct{}
	if err := protojson.Unmarshal(docJson, snapshot); err != nil {
		return nil, err
	}
	return proto.Marshal(snapshot)
}

// DecodeSnapshotJSON returns the document JSON without constructing models.
func DecodeSnapshotJSON(data []byte) (map[string]any, error) {
	snapshot := &structpb.Struct{}
	if err := proto.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return snapshot.AsMap(), nil
}

func DecodeSnapshot(registry *Registry, data []byte) (*Document, error) {
	docJson, err := DecodeSnapshotJSON(data)
	if err != nil {
		return nil, err
	}
	return FromJSON(registry, docJson)
}

// SaveSnapshot replaces the file atomically.
func SaveSnapshot(doc *Document, path string) error {
	data, err := EncodeSnapshot(doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func LoadSnapshot(registry *Registry, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(registry, data)
}

// every new session starts from the snapshot
func NewSnapshotDocumentFactory(registry *Registry, path string) DocumentFactory {
	return func(sessionId string) (*Document, error) {
		return LoadSnapshot(registry, path)
	}
}
