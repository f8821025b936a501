/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"go.corp.nvidia.com/devicefarm/pkg/messages"
)

// InventoryDevice is one device entry of the node's inventory file.
type InventoryDevice struct {
	ID             string `yaml:"id"`
	Model          string `yaml:"model"`
	AndroidVersion string `yaml:"android_version"`
	IPAddress      string `yaml:"ip_address"`
	USBPort        string `yaml:"usb_port"`
}

// Inventory is the static device list an agent announces.
type Inventory struct {
	Devices []InventoryDevice `yaml:"devices"`
}

// LoadInventory reads a YAML inventory file.
func LoadInventory(path string) (*Inventory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	var inv Inventory
	if err := yaml.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	for i, d := range inv.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("inventory device %d has no id", i)
		}
	}
	return &inv, nil
}

// Reports converts the inventory into heartbeat device entries.
func (inv *Inventory) Reports() []messages.DeviceReport {
	out := make([]messages.DeviceReport, 0, len(inv.Devices))
	for _, d := range inv.Devices {
		out = append(out, messages.DeviceReport{
			ID:             d.ID,
			Model:          d.Model,
			AndroidVersion: d.AndroidVersion,
			IPAddress:      d.IPAddress,
			USBPort:        d.USBPort,
		})
	}
	return out
}
