package capture

// DeviceClass selects a capture buffer size appropriate to the hardware.
// Mobile audio subsystems reject oversized buffers; desktop ones waste CPU
// on interrupt overhead with undersized buffers.
type DeviceClass string

const (
	ClassMobile  DeviceClass = "mobile"
	ClassDesktop DeviceClass = "desktop"
)

// DeviceProfile describes the capture configuration for one device class.
type DeviceProfile struct {
	Class         DeviceClass
	BufferSamples int
}

// Buffer sizes the audio subsystem accepts.
var supportedBufferSizes = []int{256, 512, 1024, 2048, 4096}

// ProfileFor returns the default profile for a device class.
func ProfileFor(class DeviceClass) DeviceProfile {
	switch class {
	case ClassMobile:
		return DeviceProfile{Class: ClassMobile, BufferSamples: 1024}
	default:
		return DeviceProfile{Class: ClassDesktop, BufferSamples: 2048}
	}
}

// ClampBufferSize maps an arbitrary requested size onto the nearest size the
// audio subsystem accepts. Unsupported sizes are clamped, never an error.
func ClampBufferSize(requested int) int {
	if requested <= 0 {
		return supportedBufferSizes[0]
	}
	best := supportedBufferSizes[0]
	bestDiff := diff(requested, best)
	for _, size := range supportedBufferSizes[1:] {
		if d := diff(requested, size); d < bestDiff {
			best = size
			bestDiff = d
		}
	}
	return best
}

func diff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
