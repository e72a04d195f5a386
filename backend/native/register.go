// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"github.com/gogpu/compute"

	_ "github.com/gogpu/wgpu/hal/vulkan" // registers the Vulkan HAL backend
)

func init() {
	compute.RegisterAdapter(compute.AdapterVulkan, func() (compute.Adapter, error) {
		a, err := Open()
		if err != nil {
			return nil, err
		}
		return a, nil
	})
}
