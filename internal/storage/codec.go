package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// CurrentEncodingVersion is written into the meta table of every new dump
// database. Readers refuse blobs written with a newer version.
const CurrentEncodingVersion = 1

// encodeBlob marshals v to JSON and compresses it.
func encodeBlob(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blob: %w", err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to compress blob: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize blob: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeBlob decompresses data and unmarshals it into v.
func decodeBlob(data []byte, v interface{}) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer gr.Close()

	payload, err := io.ReadAll(gr)
	if err != nil {
		return fmt.Errorf("failed to decompress blob: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal blob: %w", err)
	}
	return nil
}

// EncodeDocument serializes a document blob.
func EncodeDocument(doc DocumentData) ([]byte, error) {
	return encodeBlob(doc)
}

// DecodeDocument deserializes a document blob.
func DecodeDocument(data []byte) (DocumentData, error) {
	var doc DocumentData
	err := decodeBlob(data, &doc)
	return doc, err
}

// EncodeResultChunk serializes a result chunk blob.
func EncodeResultChunk(chunk ResultChunkData) ([]byte, error) {
	return encodeBlob(chunk)
}

// DecodeResultChunk deserializes a result chunk blob.
func DecodeResultChunk(data []byte) (ResultChunkData, error) {
	var chunk ResultChunkData
	err := decodeBlob(data, &chunk)
	return chunk, err
}
