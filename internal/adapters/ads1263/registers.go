package ads1263

import "fmt"

// Commands (datasheet table 9-32).
const (
	cmdNOP    = 0x00
	cmdReset  = 0x06
	cmdStart1 = 0x08
	cmdStop1  = 0x0A
	cmdRData1 = 0x12
	cmdRReg   = 0x20
	cmdWReg   = 0x40
)

// Register addresses.
const (
	regID        = 0x00
	regPower     = 0x01
	regInterface = 0x02
	regMode0     = 0x03
	regMode1     = 0x04
	regMode2     = 0x05
	regInpmux    = 0x06
	regRefmux    = 0x0F
)

const (
	// devID is the DEV_ID field (ID[7:5]) of an ADS1263. An ADS1262 reads 0.
	devID = 0x01

	// INTERFACE: status byte enabled, checksum mode.
	interfaceStatusChecksum = 0x05
	// MODE0: pulse (one-shot) conversions, no start delay.
	mode0Pulse = 0x40
	// MODE1: FIR digital filter, sensor bias off.
	mode1FIR = 0x80
	// MODE2 bit 7 bypasses the PGA.
	mode2Bypass = 0x80

	refmuxInternal = 0x00
	refmuxSupply   = 0x24

	// AINCOM input mux code for single-ended measurements.
	muxAINCOM  = 0x0A
	maxChannel = 0x0A

	// checksumSeed is added to the four data bytes in checksum mode.
	checksumSeed = 0x9B
	// statusADC1 is set in the status byte when ADC1 holds a new conversion.
	statusADC1 = 0x40
)

var gainCodes = map[int]byte{1: 0, 2: 1, 4: 2, 8: 3, 16: 4, 32: 5}

var dataRateCodes = []struct {
	sps  float64
	code byte
}{
	{2.5, 0x0}, {5, 0x1}, {10, 0x2}, {16.6, 0x3}, {20, 0x4}, {50, 0x5},
	{60, 0x6}, {100, 0x7}, {400, 0x8}, {1200, 0x9}, {2400, 0xA}, {4800, 0xB},
	{7200, 0xC}, {14400, 0xD}, {19200, 0xE}, {38400, 0xF},
}

func dataRateCode(sps float64) (byte, error) {
	for _, dr := range dataRateCodes {
		if dr.sps == sps {
			return dr.code, nil
		}
	}
	return 0, fmt.Errorf("unsupported data rate %g SPS", sps)
}

func mode2Value(gain int, sps float64) (byte, error) {
	g, ok := gainCodes[gain]
	if !ok {
		return 0, fmt.Errorf("unsupported gain %d", gain)
	}
	dr, err := dataRateCode(sps)
	if err != nil {
		return 0, err
	}
	v := g<<4 | dr
	if gain == 1 {
		v |= mode2Bypass
	}
	return v, nil
}

func checksum(data []byte) byte {
	sum := byte(checksumSeed)
	for _, b := range data {
		sum += b
	}
	return sum
}
