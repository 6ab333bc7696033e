//go:build linux

package stats

import "golang.org/x/sys/unix"

// LoadAverages returns the 1, 5 and 15 minute load averages.
func LoadAverages() ([3]float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return [3]float64{}, err
	}
	// Loads are fixed point, scaled by 1 << SI_LOAD_SHIFT.
	const scale = 1 << 16
	var load [3]float64
	for i, v := range info.Loads {
		load[i] = float64(v) / scale
	}
	return load, nil
}
