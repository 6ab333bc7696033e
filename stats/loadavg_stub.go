//go:build !linux

package stats

// LoadAverages returns zeros on platforms without a sysinfo binding.
// The scheduler treats zero load as "gate open".
func LoadAverages() ([3]float64, error) {
	return [3]float64{}, nil
}
