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

package integration

import (
	"context"
	"fmt"

	"pathology-platform/pkg/config"
	pkgerrors "pathology-platform/pkg/errors"
	"pathology-platform/pkg/log"
	"pathology-platform/pkg/secrets"
)

// PatientData 从四个院内系统汇聚的患者数据；部分系统失败记录在 Errors
type PatientData struct {
	PatientID    string                   `json:"patient_id"`
	Demographics map[string]interface{}   `json:"demographics,omitempty"`
	Records      []map[string]interface{} `json:"emr_records,omitempty"`
	LabResults   []map[string]interface{} `json:"lab_results,omitempty"`
	Studies      []map[string]interface{} `json:"imaging_studies,omitempty"`
	Errors       map[string]string        `json:"errors,omitempty"`
}

// ImportOptions 各系统的查询过滤；空字段不下发
type ImportOptions struct {
	StartDate string `json:"start_date"` // EMR 病历起始日期 YYYY-MM-DD
	EndDate   string `json:"end_date"`   // EMR 病历截止日期 YYYY-MM-DD
	TestType  string `json:"test_type"`  // LIS 检验类型
	Modality  string `json:"modality"`   // PACS 影像模态，如 CT/MRI
}

// Integrator 汇聚 HIS/EMR/LIS/PACS 四个系统
type Integrator struct {
	systems map[string]*SystemClient
	logger  *log.Logger
}

// New 按配置创建已配置 endpoint 的系统客户端；一个都没有时返回错误
func New(ctx context.Context, cfg config.IntegrationConfig, sec secrets.Store, logger *log.Logger) (*Integrator, error) {
	systems := make(map[string]*SystemClient)
	for name, sysCfg := range map[string]config.SystemConfig{
		"his":  cfg.HIS,
		"emr":  cfg.EMR,
		"lis":  cfg.LIS,
		"pacs": cfg.PACS,
	} {
		if sysCfg.Endpoint == "" {
			continue
		}
		client, err := newSystemClient(ctx, name, sysCfg, sec)
		if err != nil {
			return nil, err
		}
		systems[name] = client
	}
	if len(systems) == 0 {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "没有配置任何院内系统 endpoint")
	}
	return &Integrator{systems: systems, logger: logger}, nil
}

// Ping 逐系统探活，返回系统名到状态（"ok" 或错误文本）
func (i *Integrator) Ping(ctx context.Context) map[string]string {
	status := make(map[string]string, len(i.systems))
	for name, client := range i.systems {
		if err := client.Ping(ctx); err != nil {
			status[name] = err.Error()
			continue
		}
		status[name] = "ok"
	}
	return status
}

// ImportPatientData 汇聚患者数据；容忍部分系统失败，全部失败才返回错误
func (i *Integrator) ImportPatientData(ctx context.Context, patientID string, opts ImportOptions) (*PatientData, error) {
	if patientID == "" {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "patient_id 为空")
	}
	data := &PatientData{PatientID: patientID, Errors: make(map[string]string)}

	if c, ok := i.systems["his"]; ok {
		var demographics map[string]interface{}
		if err := c.getJSON(ctx, fmt.Sprintf("/api/patients/%s", patientID), nil, &demographics); err != nil {
			i.recordFailure(data, "his", err)
		} else {
			data.Demographics = demographics
		}
	}
	if c, ok := i.systems["emr"]; ok {
		var records []map[string]interface{}
		query := map[string]string{"start_date": opts.StartDate, "end_date": opts.EndDate}
		if err := c.getJSON(ctx, fmt.Sprintf("/api/emr/patients/%s/records", patientID), query, &records); err != nil {
			i.recordFailure(data, "emr", err)
		} else {
			data.Records = records
		}
	}
	if c, ok := i.systems["lis"]; ok {
		var results []map[string]interface{}
		query := map[string]string{"test_type": opts.TestType}
		if err := c.getJSON(ctx, fmt.Sprintf("/api/lis/patients/%s/results", patientID), query, &results); err != nil {
			i.recordFailure(data, "lis", err)
		} else {
			data.LabResults = results
		}
	}
	if c, ok := i.systems["pacs"]; ok {
		var studies []map[string]interface{}
		query := map[string]string{"modality": opts.Modality}
		if err := c.getJSON(ctx, fmt.Sprintf("/api/pacs/patients/%s/studies", patientID), query, &studies); err != nil {
			i.recordFailure(data, "pacs", err)
		} else {
			data.Studies = studies
		}
	}

	if len(data.Errors) == len(i.systems) {
		return nil, fmt.Errorf("所有院内系统导入 %s 均failed: %v", patientID, data.Errors)
	}
	if len(data.Errors) == 0 {
		data.Errors = nil
	}
	return data, nil
}

func (i *Integrator) recordFailure(data *PatientData, system string, err error) {
	i.logger.Warn("院内系统导入部分failed", "system", system, "patient_id", data.PatientID, "error", err)
	data.Errors[system] = err.Error()
}

// Systems 返回已配置的系统名
func (i *Integrator) Systems() []string {
	names := make([]string, 0, len(i.systems))
	for name := range i.systems {
		names = append(names, name)
	}
	return names
}
