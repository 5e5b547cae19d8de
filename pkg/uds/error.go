package uds

import (
	"errors"
	"fmt"
)

// Negative response codes. 0x92 and 0x93 sit in the vehicle manufacturer
// specific range and carry the SRT-4 simulator's own conditions.
const (
	GENERAL_REJECT                              = 0x10
	SERVICE_NOT_SUPPORTED                       = 0x11
	SUBFUNCTION_NOT_SUPPORTED                   = 0x12
	INCORRECT_MESSAGE_LENGTH_OR_INVALID_FORMAT  = 0x13
	CONDITIONS_NOT_CORRECT                      = 0x22
	REQUEST_SEQUENCE_ERROR                      = 0x24
	REQUEST_OUT_OF_RANGE                        = 0x31
	SECURITY_ACCESS_DENIED                      = 0x33
	INVALID_KEY                                 = 0x35
	EXCEED_NUMBER_OF_ATTEMPTS                   = 0x36
	REQUIRED_TIME_DELAY_NOT_EXPIRED             = 0x37
	UPLOAD_DOWNLOAD_NOT_ACCEPTED                = 0x70
	TRANSFER_DATA_SUSPENDED                     = 0x71
	GENERAL_PROGRAMMING_FAILURE                 = 0x72
	WRONG_BLOCK_SEQUENCE_COUNTER                = 0x73
	REQUEST_CORRECTLY_RECEIVED_RESPONSE_PENDING = 0x78
	SERVICE_NOT_SUPPORTED_IN_ACTIVE_SESSION     = 0x7F
	CHALLENGE_EXPIRED                           = 0x92
	UNSAFE_PARAMETER_REJECTED                   = 0x93
)

var (
	ErrGeneralReject                      = &Error{GENERAL_REJECT, "general reject"}
	ErrServiceNotSupported                = &Error{SERVICE_NOT_SUPPORTED, "service not supported"}
	ErrSubFunctionNotSupported            = &Error{SUBFUNCTION_NOT_SUPPORTED, "sub-function not supported or invalid format"}
	ErrIncorrectMessageLength             = &Error{INCORRECT_MESSAGE_LENGTH_OR_INVALID_FORMAT, "incorrect message length or invalid format"}
	ErrConditionsNotCorrect               = &Error{CONDITIONS_NOT_CORRECT, "conditions not correct"}
	ErrRequestSequenceError               = &Error{REQUEST_SEQUENCE_ERROR, "request sequence error"}
	ErrRequestOutOfRange                  = &Error{REQUEST_OUT_OF_RANGE, "request out of range"}
	ErrSecurityAccessDenied               = &Error{SECURITY_ACCESS_DENIED, "security access denied"}
	ErrInvalidKey                         = &Error{INVALID_KEY, "invalid key supplied"}
	ErrExceedNumberOfAttempts             = &Error{EXCEED_NUMBER_OF_ATTEMPTS, "exceeded number of attempts to get security access"}
	ErrRequiredTimeDelayNotExpired        = &Error{REQUIRED_TIME_DELAY_NOT_EXPIRED, "required time delay not expired"}
	ErrUploadDownloadNotAccepted          = &Error{UPLOAD_DOWNLOAD_NOT_ACCEPTED, "upload/download not accepted"}
	ErrTransferDataSuspended              = &Error{TRANSFER_DATA_SUSPENDED, "transfer data suspended"}
	ErrGeneralProgrammingFailure          = &Error{GENERAL_PROGRAMMING_FAILURE, "general programming failure"}
	ErrWrongBlockSequenceCounter          = &Error{WRONG_BLOCK_SEQUENCE_COUNTER, "wrong block sequence counter"}
	ErrResponsePending                    = &Error{REQUEST_CORRECTLY_RECEIVED_RESPONSE_PENDING, "response pending"}
	ErrServiceNotSupportedInActiveSession = &Error{SERVICE_NOT_SUPPORTED_IN_ACTIVE_SESSION, "service not supported in active diagnostic session"}
	ErrChallengeExpired                   = &Error{CHALLENGE_EXPIRED, "seed challenge expired, request a new seed"}
	ErrUnsafeParameterRejected            = &Error{UNSAFE_PARAMETER_REJECTED, "unsafe parameter rejected by safety validator"}
)

type Error struct {
	Code byte
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (0x%02X)", e.Msg, e.Code)
}

// Translate maps a negative response code back to its sentinel error.
func Translate(code byte) error {
	switch code {
	case 0x00:
		return nil
	case GENERAL_REJECT:
		return ErrGeneralReject
	case SERVICE_NOT_SUPPORTED:
		return ErrServiceNotSupported
	case SUBFUNCTION_NOT_SUPPORTED:
		return ErrSubFunctionNotSupported
	case INCORRECT_MESSAGE_LENGTH_OR_INVALID_FORMAT:
		return ErrIncorrectMessageLength
	case CONDITIONS_NOT_CORRECT:
		return ErrConditionsNotCorrect
	case REQUEST_SEQUENCE_ERROR:
		return ErrRequestSequenceError
	case REQUEST_OUT_OF_RANGE:
		return ErrRequestOutOfRange
	case SECURITY_ACCESS_DENIED:
		return ErrSecurityAccessDenied
	case INVALID_KEY:
		return ErrInvalidKey
	case EXCEED_NUMBER_OF_ATTEMPTS:
		return ErrExceedNumberOfAttempts
	case REQUIRED_TIME_DELAY_NOT_EXPIRED:
		return ErrRequiredTimeDelayNotExpired
	case UPLOAD_DOWNLOAD_NOT_ACCEPTED:
		return ErrUploadDownloadNotAccepted
	case TRANSFER_DATA_SUSPENDED:
		return ErrTransferDataSuspended
	case GENERAL_PROGRAMMING_FAILURE:
		return ErrGeneralProgrammingFailure
	case WRONG_BLOCK_SEQUENCE_COUNTER:
		return ErrWrongBlockSequenceCounter
	case REQUEST_CORRECTLY_RECEIVED_RESPONSE_PENDING:
		return ErrResponsePending
	case SERVICE_NOT_SUPPORTED_IN_ACTIVE_SESSION:
		return ErrServiceNotSupportedInActiveSession
	case CHALLENGE_EXPIRED:
		return ErrChallengeExpired
	case UNSAFE_PARAMETER_REJECTED:
		return ErrUnsafeParameterRejected
	default:
		return fmt.Errorf("unknown error %X", code)
	}
}

// CodeOf extracts the negative response code from err.
func CodeOf(err error) byte {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Code
	}
	return GENERAL_REJECT
}
