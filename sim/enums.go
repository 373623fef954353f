package sim

import (
	"fmt"
	"strconv"
	"strings"
)

// enumTable maps closed enumerations to and from their names. Parsing is
// case-insensitive and ignores '_' and '-' so "input_delay", "inputDelay"
// and "INPUT-DELAY" are the same name.
type enumTable[E ~int] struct {
	kind   string
	names  map[E]string
	byName map[string]E
}

func newEnumTable[E ~int](kind string, names map[E]string, aliases map[string]E) enumTable[E] {
	t := enumTable[E]{kind: kind, names: names, byName: make(map[string]E, len(names)+len(aliases))}
	for v, n := range names {
		t.byName[normalizeName(n)] = v
	}
	for n, v := range aliases {
		t.byName[normalizeName(n)] = v
	}
	return t
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}

func (t enumTable[E]) name(v E) string {
	if n, ok := t.names[v]; ok {
		return n
	}
	return fmt.Sprintf("%s(%d)", t.kind, int(v))
}

// parse accepts a name or the integer id.
func (t enumTable[E]) parse(s string) (E, error) {
	if v, ok := t.byName[normalizeName(s)]; ok {
		return v, nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		if _, ok := t.names[E(n)]; ok {
			return E(n), nil
		}
	}
	return 0, Errorf(CodeInvalidArgument, "parse "+t.kind, "unknown %s %q", t.kind, s)
}

func (t enumTable[E]) valid(v E) bool {
	_, ok := t.names[v]
	return ok
}

// === Federate lifecycle ===

// State is the lifecycle state of a federate. States only move forward
// except into Error, which is terminal.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateExecuting
	StateFinalized
	StateError
)

var stateTable = newEnumTable("state", map[State]string{
	StateCreated:      "created",
	StateInitializing: "initializing",
	StateExecuting:    "executing",
	StateFinalized:    "finalized",
	StateError:        "error",
}, map[string]State{"startup": StateCreated, "initialization": StateInitializing, "execution": StateExecuting, "finalize": StateFinalized})

func (s State) String() string { return stateTable.name(s) }

// ParseState parses a lifecycle state name.
func ParseState(s string) (State, error) { return stateTable.parse(s) }

// Terminal reports whether no further lifecycle transition is possible.
func (s State) Terminal() bool { return s == StateFinalized || s == StateError }

// PendingOp identifies the blocking operation a federate is waiting on.
type PendingOp int

const (
	PendingNone PendingOp = iota
	PendingInit
	PendingExec
	PendingTime
	PendingIterativeTime
	PendingFinalize
)

var pendingTable = newEnumTable("pending operation", map[PendingOp]string{
	PendingNone:          "none",
	PendingInit:          "init",
	PendingExec:          "exec",
	PendingTime:          "time",
	PendingIterativeTime: "iterative_time",
	PendingFinalize:      "finalize",
}, nil)

func (p PendingOp) String() string { return pendingTable.name(p) }

// === Iteration ===

// IterationRequest says whether a federate wants to repeat the current step.
type IterationRequest int

const (
	NoIteration IterationRequest = iota
	ForceIteration
	IterateIfNeeded
)

var iterationRequestTable = newEnumTable("iteration request", map[IterationRequest]string{
	NoIteration:     "no_iteration",
	ForceIteration:  "force_iteration",
	IterateIfNeeded: "iterate_if_needed",
}, map[string]IterationRequest{"none": NoIteration, "force": ForceIteration, "if_needed": IterateIfNeeded})

func (r IterationRequest) String() string { return iterationRequestTable.name(r) }

// ParseIterationRequest parses an iteration request name.
func ParseIterationRequest(s string) (IterationRequest, error) { return iterationRequestTable.parse(s) }

// IterationResult is the outcome of a grant.
type IterationResult int

const (
	NextStep IterationResult = iota
	IterationError
	Halted
	Iterating
)

var iterationResultTable = newEnumTable("iteration result", map[IterationResult]string{
	NextStep:       "next_step",
	IterationError: "error",
	Halted:         "halted",
	Iterating:      "iterating",
}, nil)

func (r IterationResult) String() string { return iterationResultTable.name(r) }

// === Properties ===

// Property identifies a time or integer federate property.
type Property int

const (
	PropertyDelta         Property = 137
	PropertyPeriod        Property = 140
	PropertyOffset        Property = 141
	PropertyRTLag         Property = 143
	PropertyRTLead        Property = 144
	PropertyRTTolerance   Property = 145
	PropertyInputDelay    Property = 148
	PropertyOutputDelay   Property = 150
	PropertyGrantTimeout  Property = 161
	PropertyMaxIterations Property = 259
	PropertyLogLevel      Property = 271
)

var propertyTable = newEnumTable("property", map[Property]string{
	PropertyDelta:         "delta",
	PropertyPeriod:        "period",
	PropertyOffset:        "offset",
	PropertyRTLag:         "rt_lag",
	PropertyRTLead:        "rt_lead",
	PropertyRTTolerance:   "rt_tolerance",
	PropertyInputDelay:    "input_delay",
	PropertyOutputDelay:   "output_delay",
	PropertyGrantTimeout:  "grant_timeout",
	PropertyMaxIterations: "max_iterations",
	PropertyLogLevel:      "log_level",
}, map[string]Property{"time_delta": PropertyDelta, "time_period": PropertyPeriod, "time_offset": PropertyOffset})

func (p Property) String() string { return propertyTable.name(p) }

// ParseProperty parses a property name or numeric id.
func ParseProperty(s string) (Property, error) { return propertyTable.parse(s) }

// IsTimeProperty reports whether p holds a Time.
func (p Property) IsTimeProperty() bool {
	return propertyTable.valid(p) && p < PropertyMaxIterations
}

// IsIntegerProperty reports whether p holds an integer.
func (p Property) IsIntegerProperty() bool {
	return p == PropertyMaxIterations || p == PropertyLogLevel
}

// Flag identifies a boolean federate option.
type Flag int

const (
	FlagObserver                  Flag = 0
	FlagUninterruptible           Flag = 1
	FlagInterruptible             Flag = 2
	FlagSourceOnly                Flag = 4
	FlagOnlyTransmitOnChange      Flag = 6
	FlagOnlyUpdateOnChange        Flag = 8
	FlagWaitForCurrentTimeUpdate  Flag = 10
	FlagRealtime                  Flag = 16
	FlagIgnoreTimeMismatchWarning Flag = 67
	FlagTerminateOnError          Flag = 72
)

var flagTable = newEnumTable("flag", map[Flag]string{
	FlagObserver:                  "observer",
	FlagUninterruptible:           "uninterruptible",
	FlagInterruptible:             "interruptible",
	FlagSourceOnly:                "source_only",
	FlagOnlyTransmitOnChange:      "only_transmit_on_change",
	FlagOnlyUpdateOnChange:        "only_update_on_change",
	FlagWaitForCurrentTimeUpdate:  "wait_for_current_time_update",
	FlagRealtime:                  "realtime",
	FlagIgnoreTimeMismatchWarning: "ignore_time_mismatch_warnings",
	FlagTerminateOnError:          "terminate_on_error",
}, nil)

func (f Flag) String() string { return flagTable.name(f) }

// ParseFlag parses a flag name or numeric id.
func ParseFlag(s string) (Flag, error) { return flagTable.parse(s) }

// ValidFlag reports whether f is a known flag.
func ValidFlag(f Flag) bool { return flagTable.valid(f) }

// HandleOption identifies a per-interface option.
type HandleOption int

const (
	OptionConnectionRequired         HandleOption = 397
	OptionConnectionOptional         HandleOption = 402
	OptionSingleConnectionOnly       HandleOption = 407
	OptionMultipleConnectionsAllowed HandleOption = 409
	OptionStrictTypeChecking         HandleOption = 414
	OptionIgnoreUnitMismatch         HandleOption = 447
	OptionOnlyTransmitOnChange       HandleOption = 452
	OptionOnlyUpdateOnChange         HandleOption = 454
	OptionIgnoreInterrupts           HandleOption = 475
	OptionMultiInputHandlingMethod   HandleOption = 507
)

var optionTable = newEnumTable("handle option", map[HandleOption]string{
	OptionConnectionRequired:         "connection_required",
	OptionConnectionOptional:         "connection_optional",
	OptionSingleConnectionOnly:       "single_connection_only",
	OptionMultipleConnectionsAllowed: "multiple_connections_allowed",
	OptionStrictTypeChecking:         "strict_type_checking",
	OptionIgnoreUnitMismatch:         "ignore_unit_mismatch",
	OptionOnlyTransmitOnChange:       "only_transmit_on_change",
	OptionOnlyUpdateOnChange:         "only_update_on_change",
	OptionIgnoreInterrupts:           "ignore_interrupts",
	OptionMultiInputHandlingMethod:   "multi_input_handling_method",
}, map[string]HandleOption{"required": OptionConnectionRequired, "optional": OptionConnectionOptional})

func (o HandleOption) String() string { return optionTable.name(o) }

// ParseHandleOption parses a handle option name or numeric id.
func ParseHandleOption(s string) (HandleOption, error) { return optionTable.parse(s) }

// ValidHandleOption reports whether o is a known option.
func ValidHandleOption(o HandleOption) bool { return optionTable.valid(o) }

// MultiInputMode selects how an input with several sources reduces them.
type MultiInputMode int

const (
	MultiInputNoOp MultiInputMode = iota
	MultiInputVectorize
	MultiInputAnd
	MultiInputOr
	MultiInputSum
	MultiInputDiff
	MultiInputMax
	MultiInputMin
	MultiInputAverage
)

var multiInputTable = newEnumTable("multi input mode", map[MultiInputMode]string{
	MultiInputNoOp:      "no_op",
	MultiInputVectorize: "vectorize",
	MultiInputAnd:       "and",
	MultiInputOr:        "or",
	MultiInputSum:       "sum",
	MultiInputDiff:      "diff",
	MultiInputMax:       "max",
	MultiInputMin:       "min",
	MultiInputAverage:   "average",
}, map[string]MultiInputMode{"none": MultiInputNoOp, "mean": MultiInputAverage})

func (m MultiInputMode) String() string { return multiInputTable.name(m) }

// ParseMultiInputMode parses a multi-input handling method name.
func ParseMultiInputMode(s string) (MultiInputMode, error) { return multiInputTable.parse(s) }

// === Filters ===

// FilterType selects a built-in filter operator.
type FilterType int

const (
	FilterCustom FilterType = iota
	FilterDelay
	FilterRandomDelay
	FilterRandomDrop
	FilterReroute
	FilterClone
	FilterFirewall
)

var filterTypeTable = newEnumTable("filter type", map[FilterType]string{
	FilterCustom:      "custom",
	FilterDelay:       "delay",
	FilterRandomDelay: "random_delay",
	FilterRandomDrop:  "random_drop",
	FilterReroute:     "reroute",
	FilterClone:       "clone",
	FilterFirewall:    "firewall",
}, map[string]FilterType{"redirect": FilterReroute, "cloning": FilterClone})

func (f FilterType) String() string { return filterTypeTable.name(f) }

// ParseFilterType parses a filter type name.
func ParseFilterType(s string) (FilterType, error) { return filterTypeTable.parse(s) }

// === Cores ===

// CoreType selects the transport a core or broker uses.
type CoreType int

const (
	CoreDefault   CoreType = 0
	CoreZMQ       CoreType = 1
	CoreMPI       CoreType = 2
	CoreTest      CoreType = 3
	CoreInterproc CoreType = 4
	CoreIPC       CoreType = 5
	CoreTCP       CoreType = 6
	CoreUDP       CoreType = 7
	CoreInproc    CoreType = 18
)

var coreTypeTable = newEnumTable("core type", map[CoreType]string{
	CoreDefault:   "default",
	CoreZMQ:       "zmq",
	CoreMPI:       "mpi",
	CoreTest:      "test",
	CoreInterproc: "interprocess",
	CoreIPC:       "ipc",
	CoreTCP:       "tcp",
	CoreUDP:       "udp",
	CoreInproc:    "inproc",
}, map[string]CoreType{"": CoreDefault, "def": CoreDefault, "local": CoreInproc})

func (c CoreType) String() string { return coreTypeTable.name(c) }

// ParseCoreType parses a core type name.
func ParseCoreType(s string) (CoreType, error) { return coreTypeTable.parse(s) }

// === Data types ===

// DataType tags an encoded Value.
type DataType int

const (
	DataTypeUnknown    DataType = -1
	DataTypeString     DataType = 0
	DataTypeDouble     DataType = 1
	DataTypeInt        DataType = 2
	DataTypeComplex    DataType = 3
	DataTypeVector     DataType = 4
	DataTypeComplexVec DataType = 5
	DataTypeNamedPoint DataType = 6
	DataTypeBool       DataType = 7
	DataTypeTime       DataType = 8
	DataTypeRaw        DataType = 25
	DataTypeAny        DataType = 25262
)

var dataTypeTable = newEnumTable("data type", map[DataType]string{
	DataTypeUnknown:    "unknown",
	DataTypeString:     "string",
	DataTypeDouble:     "double",
	DataTypeInt:        "int",
	DataTypeComplex:    "complex",
	DataTypeVector:     "vector",
	DataTypeComplexVec: "complex_vector",
	DataTypeNamedPoint: "named_point",
	DataTypeBool:       "bool",
	DataTypeTime:       "time",
	DataTypeRaw:        "raw",
	DataTypeAny:        "any",
}, map[string]DataType{
	"":        DataTypeAny,
	"def":     DataTypeAny,
	"float":   DataTypeDouble,
	"float64": DataTypeDouble,
	"integer": DataTypeInt,
	"int64":   DataTypeInt,
	"boolean": DataTypeBool,
	"binary":  DataTypeRaw,
	"bytes":   DataTypeRaw,
	"str":     DataTypeString,
	"point":   DataTypeNamedPoint,
	"doubles": DataTypeVector,
})

func (d DataType) String() string { return dataTypeTable.name(d) }

// ParseDataType parses a type string; unrecognised strings are DataTypeUnknown
// rather than an error because types are advisory metadata.
func ParseDataType(s string) DataType {
	if v, ok := dataTypeTable.byName[normalizeName(s)]; ok {
		return v
	}
	return DataTypeUnknown
}

// === Logging ===

// LogLevel is the federation log verbosity.
type LogLevel int

const (
	LogNoPrint     LogLevel = -4
	LogError       LogLevel = 0
	LogWarning     LogLevel = 3
	LogSummary     LogLevel = 6
	LogConnections LogLevel = 9
	LogInterfaces  LogLevel = 12
	LogTiming      LogLevel = 15
	LogData        LogLevel = 18
	LogDebug       LogLevel = 21
	LogTrace       LogLevel = 24
)

var logLevelTable = newEnumTable("log level", map[LogLevel]string{
	LogNoPrint:     "no_print",
	LogError:       "error",
	LogWarning:     "warning",
	LogSummary:     "summary",
	LogConnections: "connections",
	LogInterfaces:  "interfaces",
	LogTiming:      "timing",
	LogData:        "data",
	LogDebug:       "debug",
	LogTrace:       "trace",
}, map[string]LogLevel{"none": LogNoPrint, "warn": LogWarning, "info": LogSummary})

func (l LogLevel) String() string { return logLevelTable.name(l) }

// ParseLogLevel parses a log level name or numeric value.
func ParseLogLevel(s string) (LogLevel, error) { return logLevelTable.parse(s) }
