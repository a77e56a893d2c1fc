// Copyright 2026 fanjia1024
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

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("PATHOLOGY_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json")
}

func healthCheck() error {
	resp, err := newClient().R().Get("/api/health")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("GET /api/health: %s", resp.String())
	}
	return nil
}

func uploadItem(kind string, item map[string]interface{}) (map[string]interface{}, error) {
	path := "/api/data/images/upload"
	if kind == "document" {
		path = "/api/data/documents/upload"
	}
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(item).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("POST %s: %s", path, resp.String())
	}
	return out, nil
}

func submitBatch(kind string, items []map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(map[string]interface{}{"kind": kind, "items": items}).
		SetResult(&out).
		Post("/api/data/batch/upload")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusAccepted {
		return nil, fmt.Errorf("POST /api/data/batch/upload: %s", resp.String())
	}
	return out, nil
}

func getTask(taskID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/data/batch/tasks/" + taskID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/data/batch/tasks/%s: %s", taskID, resp.String())
	}
	return out, nil
}

func listTasks() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/data/batch/tasks")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/data/batch/tasks: %s", resp.String())
	}
	return out, nil
}

func search(text string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(map[string]interface{}{"text": text}).
		SetResult(&out).
		Post("/api/data/search")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /api/data/search: %s", resp.String())
	}
	return out, nil
}

func patientEntities(patientID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/data/patients/" + patientID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/data/patients/%s: %s", patientID, resp.String())
	}
	return out, nil
}

func importPatient(patientID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Post("/api/data/patients/" + patientID + "/import")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST import: %s", resp.String())
	}
	return out, nil
}

func systemStatus() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/data/status")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/data/status: %s", resp.String())
	}
	return out, nil
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
