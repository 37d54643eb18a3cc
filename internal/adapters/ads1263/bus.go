package ads1263

import (
	"fmt"
	"slices"
	"strings"
)

// SPIConn is an open SPI device. Tx is full duplex: w and r have equal length.
type SPIConn interface {
	Tx(w, r []byte) error
	Close() error
}

// OutputPin is a GPIO line driven by the driver.
type OutputPin interface {
	Set(high bool) error
	Release() error
}

// InputPin is a GPIO line sampled by the driver.
type InputPin interface {
	High() bool
	Release() error
}

// Bus gives the driver access to SPI devices and GPIO lines. The periph
// adapter implements it for real boards; tests substitute a fake.
type Bus interface {
	OpenSPI(device string, speedHz int64) (SPIConn, error)
	SPIDevices() []string
	OutputPin(name string) (OutputPin, error)
	InputPin(name string) (InputPin, error)
}

// alternateDevice picks a retry target after the requested SPI device failed
// to open: the only other candidate, or the only candidate sharing the
// requested chip-select index.
func alternateDevice(requested string, candidates []string) (string, bool) {
	var others []string
	for _, c := range candidates {
		if c != requested {
			others = append(others, c)
		}
	}
	if len(others) == 1 {
		return others[0], true
	}

	idx := deviceIndex(requested)
	if idx == "" {
		return "", false
	}
	var matches []string
	for _, c := range others {
		if deviceIndex(c) == idx {
			matches = append(matches, c)
		}
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	return "", false
}

// deviceIndex returns the chip-select suffix of names like /dev/spidev0.1 or SPI0.1.
func deviceIndex(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return ""
	}
	return name[i+1:]
}

func describeCandidates(candidates []string) string {
	if len(candidates) == 0 {
		return "none"
	}
	sorted := slices.Clone(candidates)
	slices.Sort(sorted)
	return strings.Join(sorted, ", ")
}

func openWithAutodetect(bus Bus, device string, speedHz int64) (SPIConn, string, error) {
	conn, err := bus.OpenSPI(device, speedHz)
	if err == nil {
		return conn, device, nil
	}

	candidates := bus.SPIDevices()
	alt, ok := alternateDevice(device, candidates)
	if !ok {
		return nil, "", fmt.Errorf("open spi %s: %w (available: %s)", device, err, describeCandidates(candidates))
	}
	conn, altErr := bus.OpenSPI(alt, speedHz)
	if altErr != nil {
		return nil, "", fmt.Errorf("open spi %s: %w; fallback %s: %v (available: %s)",
			device, err, alt, altErr, describeCandidates(candidates))
	}
	return conn, alt, nil
}
