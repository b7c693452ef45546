package channel

import (
	"errors"
	"fmt"
)

var ErrUnknownOption = errors.New("unknown channel option")

// Option is a typed configuration key. Each key validates its value before
// the channel applies it; invalid values are configuration errors surfaced
// synchronously to the caller.
type Option struct {
	name     string
	validate func(v any) error
}

func (o *Option) String() string { return o.name }

func boolValue(v any) error {
	if _, ok := v.(bool); !ok {
		return fmt.Errorf("option value must be bool, got %T", v)
	}
	return nil
}

func positiveInt(v any) error {
	n, ok := v.(int)
	if !ok {
		return fmt.Errorf("option value must be int, got %T", v)
	}
	if n <= 0 {
		return fmt.Errorf("option value must be > 0, got %d", n)
	}
	return nil
}

func nonNegativeInt(v any) error {
	n, ok := v.(int)
	if !ok {
		return fmt.Errorf("option value must be int, got %T", v)
	}
	if n < 0 {
		return fmt.Errorf("option value must be >= 0, got %d", n)
	}
	return nil
}

var (
	// OptionAutoRead toggles automatic re-arming of read readiness after
	// each read cycle. Disabling it is the pull-mode backpressure switch.
	OptionAutoRead = &Option{name: "AUTO_READ", validate: boolValue}

	// OptionAllowHalfClosure keeps the outbound direction usable after the
	// peer closes its side.
	OptionAllowHalfClosure = &Option{name: "ALLOW_HALF_CLOSURE", validate: boolValue}

	// OptionWriteSpinCount bounds synchronous write attempts per flush.
	OptionWriteSpinCount = &Option{name: "WRITE_SPIN_COUNT", validate: positiveInt}

	// OptionMaxMessagesPerWrite bounds messages written per flush on
	// message-oriented channels.
	OptionMaxMessagesPerWrite = &Option{name: "MAX_MESSAGES_PER_WRITE", validate: positiveInt}

	// OptionRecvTotalBytes is the per-read-cycle byte budget.
	OptionRecvTotalBytes = &Option{name: "RECV_TOTAL_BYTES", validate: positiveInt}

	// OptionRecvMaxBytesPerRead caps each individual read.
	OptionRecvMaxBytesPerRead = &Option{name: "RECV_MAX_BYTES_PER_READ", validate: positiveInt}

	// OptionWriteBufferHighWaterMark / Low control writability reporting on
	// the outbound queue.
	OptionWriteBufferHighWaterMark = &Option{name: "WRITE_BUFFER_HIGH_WATER_MARK", validate: nonNegativeInt}
	OptionWriteBufferLowWaterMark  = &Option{name: "WRITE_BUFFER_LOW_WATER_MARK", validate: nonNegativeInt}
)

// OptionValue pairs a key with a value so child options can be applied in a
// deterministic order (options may be mutually dependent).
type OptionValue struct {
	Option *Option
	Value  any
}
