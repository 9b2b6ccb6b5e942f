package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineMeters(t *testing.T) {
	// 天安门 -> 上海人民广场，约 1068 km
	d := HaversineMeters(39.9042, 116.4074, 31.2304, 121.4737)
	assert.InDelta(t, 1068000, d, 5000)
}

func TestHaversineMetersZeroDistance(t *testing.T) {
	d := HaversineMeters(39.9042, 116.4074, 39.9042, 116.4074)
	assert.Equal(t, 0.0, d)
}

func TestHaversineMetersShortDistance(t *testing.T) {
	// 纬度差 0.001 度约 111 米
	d := HaversineMeters(31.2304, 121.4737, 31.2314, 121.4737)
	assert.InDelta(t, 111, d, 2)
}

func TestHaversineMetersSymmetric(t *testing.T) {
	d1 := HaversineMeters(39.9, 116.4, 31.2, 121.5)
	d2 := HaversineMeters(31.2, 121.5, 39.9, 116.4)
	assert.InDelta(t, d1, d2, 1e-6)
}
