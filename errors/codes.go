package errors

// ERR is the typed error code carried by every Error. Codes are grouped by
// the four error kinds from the error-handling design: Consensus, Storage,
// Input, Programmer.
type ERR int32

const (
	ERR_UNKNOWN ERR = 0

	// Consensus errors: fatal to the current block; caller must reject it.
	ERR_HEIGHT_MISMATCH            ERR = 100
	ERR_ARITHMETIC_OVERFLOW        ERR = 101
	ERR_ARITHMETIC_UNDERFLOW       ERR = 102
	ERR_COINBASE_MISMATCH          ERR = 103
	ERR_REWARD_SUM_MISMATCH        ERR = 104
	ERR_UNKNOWN_NETWORK_TYPE       ERR = 105
	ERR_CHECKPOINT_HASH_MISMATCH   ERR = 106

	// Storage errors: fatal to the operation, not necessarily the process.
	ERR_STORAGE_IO      ERR = 200
	ERR_STORAGE_TX      ERR = 201
	ERR_STORAGE_CONFLICT ERR = 202

	// Input errors: returned to the caller, never fatal to the process.
	ERR_HEX_PARSE           ERR = 300
	ERR_UNKNOWN_ADDRESS     ERR = 301
	ERR_MALFORMED_BLOCK_VIEW ERR = 302
	ERR_INVALID_ARGUMENT    ERR = 303
	ERR_NOT_FOUND           ERR = 304

	// Programmer errors: invariant violations, built by NewProgrammerError.
	ERR_INVARIANT_VIOLATION ERR = 400
)

var ERR_name = map[int32]string{
	0:   "ERR_UNKNOWN",
	100: "ERR_HEIGHT_MISMATCH",
	101: "ERR_ARITHMETIC_OVERFLOW",
	102: "ERR_ARITHMETIC_UNDERFLOW",
	103: "ERR_COINBASE_MISMATCH",
	104: "ERR_REWARD_SUM_MISMATCH",
	105: "ERR_UNKNOWN_NETWORK_TYPE",
	106: "ERR_CHECKPOINT_HASH_MISMATCH",
	200: "ERR_STORAGE_IO",
	201: "ERR_STORAGE_TX",
	202: "ERR_STORAGE_CONFLICT",
	300: "ERR_HEX_PARSE",
	301: "ERR_UNKNOWN_ADDRESS",
	302: "ERR_MALFORMED_BLOCK_VIEW",
	303: "ERR_INVALID_ARGUMENT",
	304: "ERR_NOT_FOUND",
	400: "ERR_INVARIANT_VIOLATION",
}

// Enum returns the symbolic name of the code, or "ERR_UNKNOWN" if unset.
func (c ERR) Enum() string {
	if name, ok := ERR_name[int32(c)]; ok {
		return name
	}

	return "ERR_UNKNOWN"
}

// NewConsensusError builds an Error for a failure that must abort the
// current block: the host is expected to reject it outright.
func NewConsensusError(code ERR, message string, params ...interface{}) *Error {
	return New(code, message, params...)
}

// NewStorageError builds an Error for a durable-store failure.
func NewStorageError(code ERR, message string, params ...interface{}) *Error {
	return New(code, message, params...)
}

// NewInputError builds an Error for a caller-supplied value that failed
// validation (hex parse failure, unknown address, malformed view).
func NewInputError(code ERR, message string, params ...interface{}) *Error {
	return New(code, message, params...)
}

// NewProgrammerError builds an Error with code ERR_INVARIANT_VIOLATION
// describing an invariant violation. It does not panic itself; the Error is
// returned like any other.
func NewProgrammerError(message string, params ...interface{}) *Error {
	return New(ERR_INVARIANT_VIOLATION, message, params...)
}
