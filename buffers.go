package rtaccel

import "fmt"

// ensureBuffer keeps a grow-only device buffer large enough for size bytes.
// Sizes are rounded to bufferAlignment so frame-to-frame jitter does not
// cause constant reallocation. A replaced buffer is handed to retire, not
// destroyed, because in-flight frames may still read it.
func ensureBuffer(device Device, log Logger, retire func(BufferHandle), buf BufferHandle, size uint64, usage BufferUsage, label string) (BufferHandle, error) {
	required := alignUp(size, bufferAlignment)
	if buf != nil && buf.Size() >= required {
		return buf, nil
	}
	if buf != nil {
		retire(buf)
	}
	newBuf, err := device.CreateBuffer(required, usage, label)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%d bytes): %v", ErrAllocationFailed, label, required, err)
	}
	log.Debugf("%s realloc: %d bytes", label, required)
	return newBuf, nil
}
