// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why an update attempt failed.
type ErrorCode int

const (
	Success ErrorCode = iota
	GenericError
	PayloadHashMismatchError
	PayloadSizeMismatchError
	DownloadPayloadVerificationError
	DownloadNewPartitionInfoError
	DownloadWriteError
	SignedDeltaPayloadExpectedError
	DownloadPayloadPubKeyVerificationError
	DownloadStateInitializationError
	DownloadInvalidMetadataMagicString
	DownloadManifestParseError
	DownloadMetadataSignatureError
	DownloadMetadataSignatureVerificationError
	DownloadMetadataSignatureMismatch
	DownloadOperationHashVerificationError
	DownloadOperationExecutionError
	DownloadOperationHashMismatch
	DownloadInvalidMetadataSize
	DownloadOperationHashMissingError
	DownloadMetadataSignatureMissingError
	UnsupportedMajorPayloadVersion
	UnsupportedMinorPayloadVersion
	PayloadMismatchedType
	PayloadTimestampError
	InstallDeviceOpenError
	SourceHashMismatch
	DownloadIncomplete
	UserCanceled
)

var codeNames = map[ErrorCode]string{
	Success:                                    "Success",
	GenericError:                               "Error",
	PayloadHashMismatchError:                   "PayloadHashMismatchError",
	PayloadSizeMismatchError:                   "PayloadSizeMismatchError",
	DownloadPayloadVerificationError:           "DownloadPayloadVerificationError",
	DownloadNewPartitionInfoError:              "DownloadNewPartitionInfoError",
	DownloadWriteError:                         "DownloadWriteError",
	SignedDeltaPayloadExpectedError:            "SignedDeltaPayloadExpectedError",
	DownloadPayloadPubKeyVerificationError:     "DownloadPayloadPubKeyVerificationError",
	DownloadStateInitializationError:           "DownloadStateInitializationError",
	DownloadInvalidMetadataMagicString:         "DownloadInvalidMetadataMagicString",
	DownloadManifestParseError:                 "DownloadManifestParseError",
	DownloadMetadataSignatureError:             "DownloadMetadataSignatureError",
	DownloadMetadataSignatureVerificationError: "DownloadMetadataSignatureVerificationError",
	DownloadMetadataSignatureMismatch:          "DownloadMetadataSignatureMismatch",
	DownloadOperationHashVerificationError:     "DownloadOperationHashVerificationError",
	DownloadOperationExecutionError:            "DownloadOperationExecutionError",
	DownloadOperationHashMismatch:              "DownloadOperationHashMismatch",
	DownloadInvalidMetadataSize:                "DownloadInvalidMetadataSize",
	DownloadOperationHashMissingError:          "DownloadOperationHashMissingError",
	DownloadMetadataSignatureMissingError:      "DownloadMetadataSignatureMissingError",
	UnsupportedMajorPayloadVersion:             "UnsupportedMajorPayloadVersion",
	UnsupportedMinorPayloadVersion:             "UnsupportedMinorPayloadVersion",
	PayloadMismatchedType:                      "PayloadMismatchedType",
	PayloadTimestampError:                      "PayloadTimestampError",
	InstallDeviceOpenError:                     "InstallDeviceOpenError",
	SourceHashMismatch:                         "SourceHashMismatch",
	DownloadIncomplete:                         "DownloadIncomplete",
	UserCanceled:                               "UserCanceled",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error lets an ErrorCode be compared with errors.Is.
func (c ErrorCode) Error() string {
	return c.String()
}

// IsIntegrity reports whether the code means the payload or the source
// data failed a hash or signature check, as opposed to an I/O or format
// problem.
func (c ErrorCode) IsIntegrity() bool {
	switch c {
	case PayloadHashMismatchError,
		PayloadSizeMismatchError,
		DownloadPayloadVerificationError,
		SignedDeltaPayloadExpectedError,
		DownloadPayloadPubKeyVerificationError,
		DownloadMetadataSignatureError,
		DownloadMetadataSignatureVerificationError,
		DownloadMetadataSignatureMismatch,
		DownloadOperationHashVerificationError,
		DownloadOperationHashMismatch,
		DownloadOperationHashMissingError,
		DownloadMetadataSignatureMissingError,
		DownloadInvalidMetadataSize,
		SourceHashMismatch:
		return true
	}
	return false
}

// Error is a failure with its classification.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode reports the code as a process exit status.
func (e *Error) ExitCode() int {
	return int(e.Code)
}

// Is matches another *Error or a bare ErrorCode with the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.Code == e.Code
	case ErrorCode:
		return t == e.Code
	}
	return false
}

func newError(code ErrorCode, format string, args ...interface{}) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

func wrapError(code ErrorCode, err error) error {
	return &Error{Code: code, Err: err}
}

// CodeOf returns the classification of err. A nil error is Success and
// any error without a code is GenericError.
func CodeOf(err error) ErrorCode {
	if err == nil || errors.Is(err, ErrAlreadyApplied) {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c ErrorCode
	if errors.As(err, &c) {
		return c
	}
	return GenericError
}
