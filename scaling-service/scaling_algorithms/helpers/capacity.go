package helpers

import (
	"github.com/whisthq/whist/backend/fleet/constants"
)

var instanceTypeToGPUNum = map[string]int{
	"g4dn.xlarge":   1,
	"g4dn.2xlarge":  1,
	"g4dn.4xlarge":  1,
	"g4dn.8xlarge":  1,
	"g4dn.16xlarge": 1,
	"g4dn.12xlarge": 4,
}

var instanceTypeToVCPUNum = map[string]int{
	"g4dn.xlarge":   4,
	"g4dn.2xlarge":  8,
	"g4dn.4xlarge":  16,
	"g4dn.8xlarge":  32,
	"g4dn.16xlarge": 64,
	"g4dn.12xlarge": 48,
}

// instanceCapacity is a mapping of the mandelbox capacity each type of instance has.
var instanceCapacity = generateInstanceCapacityMap(instanceTypeToGPUNum, instanceTypeToVCPUNum)

// generateInstanceCapacityMap uses the instanceTypeToGPUNum and instanceTypeToVCPUNum maps
// to generate the maximum mandelbox capacity for each instance type in the intersection
// of their keys.
func generateInstanceCapacityMap(instanceToGPUMap, instanceToVCPUMap map[string]int) map[string]int {
	// Initialize the instance capacity map
	capacityMap := map[string]int{}
	for instanceType, gpuNum := range instanceToGPUMap {
		// Only populate for instances that are in both maps
		vcpuNum, ok := instanceToVCPUMap[instanceType]
		if !ok {
			continue
		}
		capacityMap[instanceType] = min(gpuNum*constants.MaxMandelboxesPerGPU, vcpuNum/constants.VCPUsPerMandelbox)
	}
	return capacityMap
}

// InstanceCapacity returns the number of mandelboxes an instance of the given
// type can run. Unknown types can run a single mandelbox.
func InstanceCapacity(instanceType string) int {
	if capacity, ok := instanceCapacity[instanceType]; ok && capacity > 0 {
		return capacity
	}
	return 1
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
