package timer

import "testing"

func withMockPorts(t *testing.T, script map[uint16][]uint8) (reads map[uint16]int) {
	t.Helper()

	origOutb, origInb, origRdtsc := outbFn, inbFn, rdtscFn
	origDisable, origEnable := disableIntsFn, enableIntsFn
	t.Cleanup(func() {
		outbFn, inbFn, rdtscFn = origOutb, origInb, origRdtsc
		disableIntsFn, enableIntsFn = origDisable, origEnable
	})

	reads = make(map[uint16]int)
	disableIntsFn = func() {}
	enableIntsFn = func() {}
	outbFn = func(uint16, uint8) {}
	inbFn = func(port uint16) uint8 {
		vals := script[port]
		idx := reads[port]
		if idx >= len(vals) {
			idx = len(vals) - 1
		}
		reads[port]++
		if idx < 0 {
			return 0
		}
		return vals[idx]
	}
	return reads
}

func TestCalibrateWithPITAcceptsCleanCountdown(t *testing.T) {
	withMockPorts(t, nil)

	// Every readMSB call issues two inb reads (LSB discard, MSB). Drive a
	// steadily decreasing MSB sequence across both sampling windows.
	var tick uint8 = 255
	var msbToggle bool
	inbFn = func(port uint16) uint8 {
		if port != pitChannel2Port {
			return 0
		}
		msbToggle = !msbToggle
		if msbToggle {
			return 0 // LSB, unused
		}
		if tick > 0 {
			tick--
		}
		return tick
	}

	var tsc uint64
	rdtscFn = func() uint64 {
		tsc += 1000000
		return tsc
	}

	khz, ok := calibrateWithPIT()
	if !ok {
		t.Fatal("expected PIT calibration to succeed on a monotonic countdown")
	}
	if khz == 0 {
		t.Fatal("expected a non-zero kHz estimate")
	}
}

func TestCalibrateWithPITRejectsCounterIncrease(t *testing.T) {
	withMockPorts(t, nil)

	var msbToggle bool
	inbFn = func(port uint16) uint8 {
		if port != pitChannel2Port {
			return 0
		}
		msbToggle = !msbToggle
		if msbToggle {
			return 0
		}
		return 0xFF // never decreases -> triggers the stalled-counter bailout
	}
	rdtscFn = func() uint64 { return 0 }

	if _, ok := calibrateWithPIT(); ok {
		t.Fatal("expected calibration to fail when the MSB never decreases past the first sample")
	}
}

func TestMicrosMillisSecondsScaling(t *testing.T) {
	orig := tscKHz
	defer func() { tscKHz = orig }()
	tscKHz = 2000 // 2GHz

	if got := micros(1000); got != 2000 {
		t.Errorf("micros(1000) = %d; want 2000", got)
	}
	if got := millis(1); got != 2000 {
		t.Errorf("millis(1) = %d; want 2000", got)
	}
	if got := seconds(1); got != 2000*1000 {
		t.Errorf("seconds(1) = %d; want %d", seconds(1), 2000*1000)
	}
}

func TestCalibrateFallsBackToRTC(t *testing.T) {
	withMockPorts(t, nil)

	calibrateWithPITFn = func() (uint64, bool) { return 0, false }
	calibrateWithRTCFn = func() (uint64, bool) { return 3000, true }
	defer func() {
		calibrateWithPITFn = calibrateWithPIT
		calibrateWithRTCFn = calibrateWithRTC
	}()

	khz, err := Calibrate()
	if err != nil {
		t.Fatal(err)
	}
	if khz != 3000 {
		t.Errorf("expected RTC fallback result 3000; got %d", khz)
	}
	if TSCKHz() != 3000 {
		t.Errorf("expected TSCKHz() to reflect the calibrated rate; got %d", TSCKHz())
	}
}

func TestCalibrateReturnsErrorWhenBothPathsFail(t *testing.T) {
	withMockPorts(t, nil)

	calibrateWithPITFn = func() (uint64, bool) { return 0, false }
	calibrateWithRTCFn = func() (uint64, bool) { return 0, false }
	defer func() {
		calibrateWithPITFn = calibrateWithPIT
		calibrateWithRTCFn = calibrateWithRTC
	}()

	if _, err := Calibrate(); err != errCalibrationFailed {
		t.Fatalf("expected errCalibrationFailed; got %v", err)
	}
}

func TestSpinMicrosUsesCalibratedRate(t *testing.T) {
	withMockPorts(t, nil)

	orig := tscKHz
	defer func() { tscKHz = orig }()
	tscKHz = 1000

	var tsc uint64
	rdtscFn = func() uint64 {
		tsc += 100
		return tsc
	}

	SpinMicros(1) // 1 tick needed at 1MHz tscKHz=1000 -> micros(1) = 1
}
