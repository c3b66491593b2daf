package mbapi

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/serum-errors/go-serum"
)

const (
	ECodeNotFound           = "metabase-error-not-found"
	ECodeNotPortable        = "metabase-error-not-portable"
	ECodeNotSerializable    = "metabase-error-not-serializable"
	ECodeCorruptData        = "metabase-error-corrupt-data"
	ECodeSchemaViolation    = "metabase-error-schema-violation"
	ECodeIDMismatch         = "metabase-error-id-mismatch"
	ECodeEmptyTransaction   = "metabase-error-empty-transaction"
	ECodeReadOnly           = "metabase-error-read-only"
	ECodeCycleDetected      = "metabase-error-cycle-detected"
	ECodeMissingDescription = "metabase-error-missing-description"
	ECodeInvalidID          = "metabase-error-invalid-id"
	ECodeNoSuchAttr         = "metabase-error-no-such-attr"
	ECodeBindingConflict    = "metabase-error-binding-conflict"
	ECodeNotRegistered      = "metabase-error-not-registered"
	ECodeIo                 = "metabase-error-io"
	ECodeSerialization      = "metabase-error-serialization"
	ECodeBackend            = "metabase-error-backend"
	ECodeInternal           = "metabase-error-internal"
	ECodeInvalid            = "metabase-error-invalid"
)

// ErrorNotFound is returned when a ResourceID is absent from a backend,
// or from every backend of a catalog.
//
// Errors:
//
//    - metabase-error-not-found --
func ErrorNotFound(id ResourceID, where string) error {
	return serum.Error(ECodeNotFound,
		serum.WithMessageTemplate("resource \"{{id}}\" not found in {{where}}"),
		serum.WithDetail("id", string(id)),
		serum.WithDetail("where", where),
	)
}

// ErrorNotPortable is returned when an object depends on local state
// that cannot be carried to another process.
// Encoding stops entirely when this is raised.
//
// Errors:
//
//    - metabase-error-not-portable --
func ErrorNotPortable(typeName string) error {
	return serum.Error(ECodeNotPortable,
		serum.WithMessageTemplate("value of type {{type}} depends on non-portable local state"),
		serum.WithDetail("type", typeName),
	)
}

// ErrorNotSerializable is returned at encode time for values that could not be decoded later.
//
// Errors:
//
//    - metabase-error-not-serializable --
func ErrorNotSerializable(typeName string, reason string) error {
	return serum.Error(ECodeNotSerializable,
		serum.WithMessageTemplate("cannot serialize value of type {{type}}: {{reason}}"),
		serum.WithDetail("type", typeName),
		serum.WithDetail("reason", reason),
	)
}

// ErrorCorruptData is returned when stored data cannot be decoded.
//
// Errors:
//
//    - metabase-error-corrupt-data --
func ErrorCorruptData(reason string, cause error) error {
	if cause == nil {
		return serum.Error(ECodeCorruptData,
			serum.WithMessageTemplate("corrupt data: {{reason}}"),
			serum.WithDetail("reason", reason),
		)
	}
	result := serum.Errorf(ECodeCorruptData, "corrupt data: %s: %w", reason, cause)
	addDetails(result, [][2]string{{"reason", reason}})
	return result
}

// ErrorSchemaViolation is returned for an invalid relation write,
// such as assigning to a graph-valued attribute.
//
// Errors:
//
//    - metabase-error-schema-violation --
func ErrorSchemaViolation(reason string) error {
	return serum.Error(ECodeSchemaViolation,
		serum.WithMessageTemplate("schema violation: {{reason}}"),
		serum.WithDetail("reason", reason),
	)
}

// ErrorIDMismatch is returned when an object that already carries a ResourceID
// is registered under a different one.
//
// Errors:
//
//    - metabase-error-id-mismatch --
func ErrorIDMismatch(existing, requested ResourceID) error {
	return serum.Error(ECodeIDMismatch,
		serum.WithMessageTemplate("object is already registered as \"{{existing}}\" and cannot become \"{{requested}}\""),
		serum.WithDetail("existing", string(existing)),
		serum.WithDetail("requested", string(requested)),
	)
}

// ErrorEmptyTransaction is returned by commit or rollback when nothing is pending.
//
// Errors:
//
//    - metabase-error-empty-transaction --
func ErrorEmptyTransaction(op string) error {
	return serum.Error(ECodeEmptyTransaction,
		serum.WithMessageTemplate("cannot {{op}}: no pending data or schema"),
		serum.WithDetail("op", op),
	)
}

// ErrorReadOnly is returned when writing to a backend that is not writable,
// or to a catalog without a writable backend.
//
// Errors:
//
//    - metabase-error-read-only --
func ErrorReadOnly(where string) error {
	return serum.Error(ECodeReadOnly,
		serum.WithMessageTemplate("{{where}} is read-only"),
		serum.WithDetail("where", where),
	)
}

// ErrorCycleDetected is returned when resolving an ID requires resolving itself.
//
// Errors:
//
//    - metabase-error-cycle-detected --
func ErrorCycleDetected(id ResourceID, chain []ResourceID) error {
	parts := make([]string, 0, len(chain)+1)
	for _, c := range chain {
		parts = append(parts, string(c))
	}
	parts = append(parts, string(id))
	return serum.Error(ECodeCycleDetected,
		serum.WithMessageTemplate("reference cycle while resolving \"{{id}}\": {{chain}}"),
		serum.WithDetail("id", string(id)),
		serum.WithDetail("chain", strings.Join(parts, " -> ")),
	)
}

// ErrorMissingDescription is returned when queueing a resource that has no description.
//
// Errors:
//
//    - metabase-error-missing-description --
func ErrorMissingDescription(id ResourceID) error {
	return serum.Error(ECodeMissingDescription,
		serum.WithMessageTemplate("resource \"{{id}}\" must have a description before it can be saved"),
		serum.WithDetail("id", string(id)),
	)
}

// ErrorInvalidID is returned when a ResourceID fails validation.
//
// Errors:
//
//    - metabase-error-invalid-id --
func ErrorInvalidID(id ResourceID, reason string) error {
	return serum.Error(ECodeInvalidID,
		serum.WithMessageTemplate("invalid resource ID \"{{id}}\": {{reason}}"),
		serum.WithDetail("id", string(id)),
		serum.WithDetail("reason", reason),
	)
}

// ErrorNoSuchAttr is returned when an attribute is neither bound nor present on the value.
//
// Errors:
//
//    - metabase-error-no-such-attr --
func ErrorNoSuchAttr(owner string, attr string) error {
	return serum.Error(ECodeNoSuchAttr,
		serum.WithMessageTemplate("{{owner}} has no attribute \"{{attr}}\""),
		serum.WithDetail("owner", owner),
		serum.WithDetail("attr", attr),
	)
}

// ErrorBindingConflict is returned when an attribute is bound twice with different resolvers.
//
// Errors:
//
//    - metabase-error-binding-conflict --
func ErrorBindingConflict(attr string) error {
	return serum.Error(ECodeBindingConflict,
		serum.WithMessageTemplate("attribute \"{{attr}}\" is already bound to a different relation"),
		serum.WithDetail("attr", attr),
	)
}

// ErrorNotRegistered is returned when a catalog-only operation is applied to an object
// that has no ResourceID.
//
// Errors:
//
//    - metabase-error-not-registered --
func ErrorNotRegistered(op string) error {
	return serum.Error(ECodeNotRegistered,
		serum.WithMessageTemplate("cannot {{op}}: object has no resource ID"),
		serum.WithDetail("op", op),
	)
}

// ErrorIo wraps generic I/O errors from the Go stdlib
//
// Errors:
//
//    - metabase-error-io --
func ErrorIo(context string, path string, cause error) error {
	result := serum.Errorf(ECodeIo,
		"io error: %s: %w", context, cause)
	addDetails(result, [][2]string{{"context", context}, {"path", path}})
	return result
}

// ErrorSerialization is returned when a serialization or deserialization error occurs
//
// Errors:
//
//    - metabase-error-serialization --
func ErrorSerialization(context string, cause error) error {
	result := serum.Errorf(ECodeSerialization,
		"serialization error: %s: %w", context, cause)
	addDetails(result, [][2]string{
		{"context", context},
	})
	return result
}

// ErrorBackend is returned when a storage backend cannot be opened or reached.
//
// Errors:
//
//    - metabase-error-backend --
func ErrorBackend(locator string, cause error) error {
	result := serum.Errorf(ECodeBackend,
		"backend %q failed: %w", locator, cause)
	addDetails(result, [][2]string{
		{"locator", locator},
	})
	return result
}

// ErrorInternal is for miscellaneous errors that should be handled internally.
// In most cases, prefer to use more specific errors.
//
// Errors:
//
//    - metabase-error-internal --
func ErrorInternal(msg string, cause error) error {
	if cause == nil {
		return serum.Error(ECodeInternal, serum.WithMessageLiteral(msg))
	}
	return serum.Errorf(ECodeInternal, "%s: %w", msg, cause)
}

// ErrorInvalid is returned when something is invalid.
// In most cases, prefer to use more specific errors.
// The caller must format the message string.
//
// Errors:
//
//    - metabase-error-invalid --
func ErrorInvalid(message string, deets ...[2]string) error {
	opts := make([]serum.WithConstruction, 0, len(deets))
	for _, d := range deets {
		opts = append(opts, serum.WithDetail(d[0], d[1]))
	}
	opts = append(opts, serum.WithMessageLiteral(message))
	return serum.Error(ECodeInvalid, opts...)
}

// IsNotFound reports whether err carries the not-found code.
func IsNotFound(err error) bool {
	return serum.Code(err) == ECodeNotFound
}

// Describe renders a serum error with its code, for log lines.
func Describe(err error) string {
	if code := serum.Code(err); code != "" {
		return fmt.Sprintf("%s (%s)", err.Error(), code)
	}
	return err.Error()
}

func addDetails(err error, details [][2]string) {
	s := err.(*serum.ErrorValue)
	s.Data.Details = append(s.Data.Details, details...)
}

// TerminalError emits an error on stdout as json, and halts immediately.
// This is only meant for init methods, where no other output protocol is set up yet.
func TerminalError(err serum.ErrorInterface, exitCode int) {
	json.NewEncoder(os.Stdout).Encode(struct {
		Error serum.ErrorInterface `json:"error"`
	}{err})
	os.Exit(exitCode)
}

// ErrorRemote rebuilds an error reported by a resource server,
// keeping the code the server sent.
//
// Errors:
//
//    - metabase-error-not-found -- if the server reported a missing resource
//    - metabase-error-internal -- if the server reported no code
func ErrorRemote(code string, message string) error {
	if code == "" {
		code = ECodeInternal
	}
	return serum.Error(code, serum.WithMessageLiteral(message))
}
