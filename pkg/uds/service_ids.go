package uds

// Diagnostic service identifiers (ISO 14229 subset the SRT-4 PCM answers)
const (
	DIAGNOSTIC_SESSION_CONTROL   = 0x10
	ECU_RESET                    = 0x11
	CLEAR_DIAGNOSTIC_INFORMATION = 0x14
	READ_DTC_INFORMATION         = 0x19
	READ_DATA_BY_IDENTIFIER      = 0x22
	READ_MEMORY_BY_ADDRESS       = 0x23
	SECURITY_ACCESS              = 0x27
	WRITE_DATA_BY_IDENTIFIER     = 0x2E
	ROUTINE_CONTROL              = 0x31
	REQUEST_DOWNLOAD             = 0x34
	REQUEST_UPLOAD               = 0x35
	TRANSFER_DATA                = 0x36
	REQUEST_TRANSFER_EXIT        = 0x37
	WRITE_MEMORY_BY_ADDRESS      = 0x3D
	TESTER_PRESENT               = 0x3E

	/* DiagnosticSessionControl subfunctions */
	SESSION_DEFAULT     = 0x01
	SESSION_PROGRAMMING = 0x02
	SESSION_EXTENDED    = 0x03
	SESSION_SAFETY      = 0x04

	/* ReadDTCInformation subfunctions */
	REPORT_DTC_BY_STATUS_MASK = 0x02

	/* RoutineControl subfunctions */
	ROUTINE_START = 0x01

	/* RoutineControl identifiers */
	ROUTINE_VERIFY_CHECKSUMS uint16 = 0x0202
	ROUTINE_PATCH_CHECKSUMS  uint16 = 0x0203
	ROUTINE_ERASE_REGION     uint16 = 0xFF00

	POSITIVE_RESPONSE_MASK = 0x40
	NEGATIVE_RESPONSE      = 0x7F
)

// CAN identifiers used by the physical transport. The core never sees
// frames, only reassembled service PDUs.
var (
	REQ_CAN_ID  uint32 = 0x7E0
	RESP_CAN_ID uint32 = 0x7E8
)
