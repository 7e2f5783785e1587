// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package catalogue defines the best-effort Iceberg/Nessie-style
// catalogue client contract the flush coordinator commits new data
// files to, plus a minimal net/http implementation. No concrete REST
// schema beyond the three calls below is assumed; a real deployment
// points Client at its catalogue's actual endpoints.
package catalogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/cockroachdb/lakesync/internal/types"
)

// DataFile describes one file being appended to a table within the
// catalogue.
type DataFile struct {
	Path        string
	SizeBytes   int64
	RecordCount int64
}

// Client is the catalogue's external contract.
type Client interface {
	CreateNamespace(ctx context.Context, ns []string) error
	CreateTable(ctx context.Context, ns []string, name string, schema types.TableSchema, partitionSpec []string) error
	AppendFiles(ctx context.Context, ns []string, name string, files []DataFile) error
}

// HTTPClient is a best-effort Client implementation over a REST
// catalogue endpoint.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPClient constructs an HTTPClient; if httpClient is nil,
// http.DefaultClient is used.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: httpClient}
}

// CreateNamespace calls POST /namespaces.
func (c *HTTPClient) CreateNamespace(ctx context.Context, ns []string) error {
	return c.post(ctx, "/namespaces", map[string]any{"namespace": ns})
}

// CreateTable calls POST /namespaces/{ns}/tables.
func (c *HTTPClient) CreateTable(ctx context.Context, ns []string, name string, schema types.TableSchema, partitionSpec []string) error {
	path := fmt.Sprintf("/namespaces/%s/tables", strings.Join(ns, "."))
	return c.post(ctx, path, map[string]any{
		"name":          name,
		"schema":        schema,
		"partitionSpec": partitionSpec,
	})
}

// AppendFiles calls POST /namespaces/{ns}/tables/{name}/append.
func (c *HTTPClient) AppendFiles(ctx context.Context, ns []string, name string, files []DataFile) error {
	path := fmt.Sprintf("/namespaces/%s/tables/%s/append", strings.Join(ns, "."), name)
	return c.post(ctx, path, map[string]any{"files": files})
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &types.CatalogueError{Err: errors.Wrap(err, "marshaling catalogue request")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &types.CatalogueError{Err: errors.Wrap(err, "building catalogue request")}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &types.CatalogueError{Err: errors.Wrap(err, "calling catalogue")}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &types.CatalogueError{StatusCode: resp.StatusCode, Err: errors.Errorf("catalogue response: %s", msg)}
	}
	return nil
}
