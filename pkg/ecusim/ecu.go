// Package ecusim is the simulated SRT-4 PCM: one diagnostic session state
// machine per connection, dispatching service requests and mediating the
// calibration transfer engine.
package ecusim

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/srttools/srtdiag/pkg/calibration"
	"github.com/srttools/srtdiag/pkg/dtc"
	"github.com/srttools/srtdiag/pkg/ebus"
	"github.com/srttools/srtdiag/pkg/rom"
	"github.com/srttools/srtdiag/pkg/safety"
	"github.com/srttools/srtdiag/pkg/security"
	"github.com/srttools/srtdiag/pkg/uds"
)

type SessionType byte

const (
	SessionDefault     SessionType = uds.SESSION_DEFAULT
	SessionProgramming SessionType = uds.SESSION_PROGRAMMING
	SessionExtended    SessionType = uds.SESSION_EXTENDED
	SessionSafety      SessionType = uds.SESSION_SAFETY
)

func (s SessionType) String() string {
	switch s {
	case SessionDefault:
		return "default"
	case SessionProgramming:
		return "programming"
	case SessionExtended:
		return "extended"
	case SessionSafety:
		return "safety"
	}
	return fmt.Sprintf("session(%02X)", byte(s))
}

// Security levels the PCM gates on.
const (
	LevelTuning      byte = 1
	LevelProgramming byte = 3
	LevelDevelopment byte = 5
)

// Config wires one simulated PCM. Image and Regions describe the flash;
// Identifiers are read-only identification DIDs; Params hold the live
// tuning values behind the writable DIDs, in physical units.
type Config struct {
	Image       []byte
	Regions     []calibration.Region
	Validator   safety.Validator
	Bus         *ebus.Bus
	Identifiers map[uint16][]byte
	Params      map[uint16]float64
	DTCs        []dtc.DTC
	SeedTTL     time.Duration
	IdleTimeout time.Duration
	Clock       func() time.Time
}

// ECU is one simulated PCM endpoint. All requests on a connection are
// serviced in order under one mutex; the catalog is immutable, the image
// is owned by this instance.
type ECU struct {
	mu sync.Mutex

	connected bool
	session   SessionType
	sec       *security.Manager
	transfer  *TransferSession

	image       []byte
	regions     []calibration.Region
	verifier    *rom.Verifier
	validator   safety.Validator
	bus         *ebus.Bus
	identifiers map[uint16][]byte
	params      map[uint16]float64
	dtcs        []dtc.DTC
	dirty       map[string]bool

	idleTimeout time.Duration
	now         func() time.Time
}

func New(cfg Config) (*ECU, error) {
	verifier, err := rom.NewVerifier(cfg.Regions)
	if err != nil {
		return nil, fmt.Errorf("region catalog: %w", err)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}
	var secOpts []security.Option
	if cfg.SeedTTL > 0 {
		secOpts = append(secOpts, security.WithSeedTTL(cfg.SeedTTL))
	}
	secOpts = append(secOpts, security.WithClock(now))
	params := make(map[uint16]float64, len(cfg.Params))
	for k, v := range cfg.Params {
		params[k] = v
	}
	return &ECU{
		session:     SessionDefault,
		sec:         security.NewManager(secOpts...),
		image:       cfg.Image,
		regions:     cfg.Regions,
		verifier:    verifier,
		validator:   cfg.Validator,
		bus:         cfg.Bus,
		identifiers: cfg.Identifiers,
		params:      params,
		dtcs:        append([]dtc.DTC(nil), cfg.DTCs...),
		dirty:       make(map[string]bool),
		idleTimeout: idle,
		now:         now,
	}, nil
}

// Connect brings the PCM to Connected(default session, locked).
func (e *ECU) Connect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	e.session = SessionDefault
	e.sec.Lock()
	e.transfer = nil
	e.publishState()
}

// Disconnect drops the connection, the security level, any pending seed
// challenge and any in-flight transfer.
func (e *ECU) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	e.session = SessionDefault
	e.sec.Lock()
	e.transfer = nil
}

func (e *ECU) Session() SessionType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *ECU) SecurityLevel() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sec.Level()
}

// Image returns a copy of the flash image.
func (e *ECU) Image() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]byte, len(e.image))
	copy(out, e.image)
	return out
}

// DirtyRegions lists the cataloged regions written since the last
// checksum patch routine.
func (e *ECU) DirtyRegions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, r := range e.regions {
		if e.dirty[r.Name] {
			out = append(out, r.Name)
		}
	}
	return out
}

// HandleRequest services one request PDU. Requests are serviced strictly
// in order; a failed request has no side effect on the image.
func (e *ECU) HandleRequest(req uds.Request) uds.Response {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return uds.Negative(req.Service, fmt.Errorf("not connected: %w", uds.ErrConditionsNotCorrect))
	}
	e.expireIdleTransfer()

	data, err := e.dispatch(req)
	if err != nil {
		return uds.Negative(req.Service, err)
	}
	return uds.Positive(req.Service, data)
}

func (e *ECU) dispatch(req uds.Request) ([]byte, error) {
	switch req.Service {
	case uds.DIAGNOSTIC_SESSION_CONTROL:
		return e.sessionControl(req.Subfunction)
	case uds.ECU_RESET:
		return e.ecuReset(req.Subfunction)
	case uds.TESTER_PRESENT:
		return []byte{req.Subfunction}, nil
	case uds.SECURITY_ACCESS:
		return e.securityAccess(req.Subfunction, req.Payload)
	case uds.READ_DATA_BY_IDENTIFIER:
		return e.readDataByIdentifier(req.Payload)
	case uds.WRITE_DATA_BY_IDENTIFIER:
		return e.writeDataByIdentifier(req.Payload)
	case uds.READ_MEMORY_BY_ADDRESS:
		return e.readMemoryByAddress(req.Payload)
	case uds.WRITE_MEMORY_BY_ADDRESS:
		return e.writeMemoryByAddress(req.Payload)
	case uds.ROUTINE_CONTROL:
		return e.routineControl(req.Subfunction, req.Payload)
	case uds.REQUEST_DOWNLOAD:
		return e.requestTransfer(DirectionDownload, req.Payload)
	case uds.REQUEST_UPLOAD:
		return e.requestTransfer(DirectionUpload, req.Payload)
	case uds.TRANSFER_DATA:
		return e.transferData(req.Subfunction, req.Payload)
	case uds.REQUEST_TRANSFER_EXIT:
		return e.transferExit()
	case uds.READ_DTC_INFORMATION:
		return e.readDTCInformation(req.Subfunction, req.Payload)
	case uds.CLEAR_DIAGNOSTIC_INFORMATION:
		return e.clearDiagnosticInformation()
	default:
		return nil, fmt.Errorf("service %02X: %w", req.Service, uds.ErrServiceNotSupported)
	}
}

func (e *ECU) sessionControl(sub byte) ([]byte, error) {
	switch SessionType(sub) {
	case SessionDefault, SessionProgramming, SessionExtended, SessionSafety:
	default:
		return nil, fmt.Errorf("session %02X: %w", sub, uds.ErrSubFunctionNotSupported)
	}
	e.session = SessionType(sub)
	if e.session == SessionDefault {
		// dropping to default locks the connection again
		e.sec.Lock()
		e.transfer = nil
	}
	log.Printf("session control: %s", e.session)
	e.publishState()
	return []byte{sub}, nil
}

func (e *ECU) ecuReset(sub byte) ([]byte, error) {
	if sub != 0x01 {
		return nil, fmt.Errorf("reset type %02X: %w", sub, uds.ErrSubFunctionNotSupported)
	}
	e.session = SessionDefault
	e.sec.Lock()
	e.transfer = nil
	log.Println("ECU reset")
	e.publishState()
	return []byte{sub}, nil
}

// securityAccess follows the odd/even subfunction convention: an odd
// subfunction requests a seed for that level, the following even one
// submits the key.
func (e *ECU) securityAccess(sub byte, payload []byte) ([]byte, error) {
	if e.session == SessionDefault {
		return nil, fmt.Errorf("security access in default session: %w", uds.ErrServiceNotSupportedInActiveSession)
	}
	if sub == 0 {
		return nil, fmt.Errorf("security access subfunction 0: %w", uds.ErrSubFunctionNotSupported)
	}
	if sub%2 == 1 {
		seed, err := e.sec.RequestSeed(sub)
		if err != nil {
			return nil, err
		}
		return seed, nil
	}
	if err := e.sec.SubmitKey(sub-1, payload); err != nil {
		return nil, err
	}
	e.publishState()
	return []byte{sub}, nil
}

func (e *ECU) readDataByIdentifier(payload []byte) ([]byte, error) {
	if len(payload) != 2 {
		return nil, fmt.Errorf("read DID payload of %d bytes: %w", len(payload), uds.ErrIncorrectMessageLength)
	}
	did := binary.BigEndian.Uint16(payload)
	if v, ok := e.identifiers[did]; ok {
		return append(append([]byte{}, payload...), v...), nil
	}
	if p, ok := calibration.TuningDIDs[did]; ok {
		raw := uint16(math.Round(e.params[did] / p.Scale))
		out := append([]byte{}, payload...)
		return binary.BigEndian.AppendUint16(out, raw), nil
	}
	// unknown identifiers read as a zero sentinel, not an error
	return append(append([]byte{}, payload...), 0x00, 0x00), nil
}

func (e *ECU) writeDataByIdentifier(payload []byte) ([]byte, error) {
	if len(payload) < 3 {
		return nil, fmt.Errorf("write DID payload of %d bytes: %w", len(payload), uds.ErrIncorrectMessageLength)
	}
	did := binary.BigEndian.Uint16(payload)
	if !e.sec.Unlocked(LevelTuning) {
		return nil, fmt.Errorf("write DID %04X: %w", did, uds.ErrSecurityAccessDenied)
	}
	p, ok := calibration.TuningDIDs[did]
	if !ok {
		return nil, fmt.Errorf("DID %04X not writable: %w", did, uds.ErrRequestOutOfRange)
	}
	if len(payload) != 4 {
		return nil, fmt.Errorf("DID %04X takes a 2 byte value: %w", did, uds.ErrIncorrectMessageLength)
	}
	value := float64(binary.BigEndian.Uint16(payload[2:])) * p.Scale
	if err := e.screen(map[string]float64{p.Name: value}); err != nil {
		return nil, err
	}
	e.params[did] = value
	log.Printf("write DID %04X: %s = %.2f %s", did, p.Name, value, p.Unit)
	return payload[:2], nil
}

// screen runs tuning values through the safety validator. A rejection
// blocks the write before any state is touched.
func (e *ECU) screen(params map[string]float64) error {
	if e.validator == nil {
		return nil
	}
	safe, violations := e.validator.Validate(params)
	if safe {
		return nil
	}
	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.Message)
	}
	return fmt.Errorf("%s: %w", strings.Join(msgs, "; "), uds.ErrUnsafeParameterRejected)
}

func (e *ECU) readMemoryByAddress(payload []byte) ([]byte, error) {
	if len(payload) != 8 {
		return nil, fmt.Errorf("read memory payload of %d bytes: %w", len(payload), uds.ErrIncorrectMessageLength)
	}
	addr := binary.BigEndian.Uint32(payload)
	length := binary.BigEndian.Uint32(payload[4:])
	if length == 0 {
		return nil, fmt.Errorf("zero length read: %w", uds.ErrIncorrectMessageLength)
	}
	if err := e.checkWindow(addr, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, e.image[addr:])
	return out, nil
}

func (e *ECU) writeMemoryByAddress(payload []byte) ([]byte, error) {
	if len(payload) < 5 {
		return nil, fmt.Errorf("write memory payload of %d bytes: %w", len(payload), uds.ErrIncorrectMessageLength)
	}
	if !e.sec.Unlocked(LevelProgramming) {
		return nil, fmt.Errorf("write memory: %w", uds.ErrSecurityAccessDenied)
	}
	addr := binary.BigEndian.Uint32(payload)
	data := payload[4:]
	if err := e.checkWindow(addr, uint32(len(data))); err != nil {
		return nil, err
	}
	copy(e.image[addr:], data)
	e.markDirty(addr, uint32(len(data)))
	return payload[:4], nil
}

func (e *ECU) checkWindow(addr, length uint32) error {
	end := uint64(addr) + uint64(length)
	if end > uint64(len(e.image)) {
		return fmt.Errorf("window %08X..%08X outside %d byte image: %w", addr, end, len(e.image), uds.ErrRequestOutOfRange)
	}
	return nil
}

func (e *ECU) markDirty(addr, length uint32) {
	for _, r := range e.regions {
		if r.Overlaps(addr, length) {
			e.dirty[r.Name] = true
		}
	}
}

func (e *ECU) routineControl(sub byte, payload []byte) ([]byte, error) {
	if sub != uds.ROUTINE_START {
		return nil, fmt.Errorf("routine control subfunction %02X: %w", sub, uds.ErrSubFunctionNotSupported)
	}
	if len(payload) < 2 {
		return nil, fmt.Errorf("routine control payload of %d bytes: %w", len(payload), uds.ErrIncorrectMessageLength)
	}
	routine := binary.BigEndian.Uint16(payload)
	switch routine {
	case uds.ROUTINE_VERIFY_CHECKSUMS:
		return e.verifyChecksums()
	case uds.ROUTINE_PATCH_CHECKSUMS:
		return e.patchChecksums()
	case uds.ROUTINE_ERASE_REGION:
		return e.eraseRegion(payload[2:])
	default:
		return nil, fmt.Errorf("routine %04X: %w", routine, uds.ErrRequestOutOfRange)
	}
}

// verifyChecksums answers [valid, n, match...], one flag per checked
// region in catalog order.
func (e *ECU) verifyChecksums() ([]byte, error) {
	report, err := e.verifier.VerifyImage(e.image)
	if err != nil {
		return nil, fmt.Errorf("verify checksums: %w: %w", err, uds.ErrGeneralProgrammingFailure)
	}
	out := make([]byte, 0, 2+len(report.Regions))
	if report.Valid {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, byte(len(report.Regions)))
	for _, r := range report.Regions {
		if r.Matches {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	}
	return out, nil
}

func (e *ECU) patchChecksums() ([]byte, error) {
	if e.session != SessionProgramming {
		return nil, fmt.Errorf("patch checksums outside programming session: %w", uds.ErrServiceNotSupportedInActiveSession)
	}
	if !e.sec.Unlocked(LevelProgramming) {
		return nil, fmt.Errorf("patch checksums: %w", uds.ErrSecurityAccessDenied)
	}
	report, err := e.verifier.PatchImage(e.image)
	if err != nil {
		return nil, fmt.Errorf("patch checksums: %w: %w", err, uds.ErrGeneralProgrammingFailure)
	}
	e.dirty = make(map[string]bool)
	log.Printf("patched checksums: %v", report.Patched)
	return []byte{byte(len(report.Patched))}, nil
}

// eraseRegion fills the region containing the given base address with
// erased-flash 0xFF.
func (e *ECU) eraseRegion(args []byte) ([]byte, error) {
	if e.session != SessionProgramming {
		return nil, fmt.Errorf("erase outside programming session: %w", uds.ErrServiceNotSupportedInActiveSession)
	}
	if !e.sec.Unlocked(LevelProgramming) {
		return nil, fmt.Errorf("erase: %w", uds.ErrSecurityAccessDenied)
	}
	if len(args) != 4 {
		return nil, fmt.Errorf("erase takes a 4 byte address, got %d: %w", len(args), uds.ErrIncorrectMessageLength)
	}
	addr := binary.BigEndian.Uint32(args)
	for _, r := range e.regions {
		if r.Contains(addr) {
			for i := r.BaseAddress; i < r.End(); i++ {
				e.image[i] = 0xFF
			}
			e.dirty[r.Name] = true
			log.Printf("erased region %s", r.Name)
			return nil, nil
		}
	}
	return nil, fmt.Errorf("no region at %08X: %w", addr, uds.ErrRequestOutOfRange)
}

func (e *ECU) readDTCInformation(sub byte, payload []byte) ([]byte, error) {
	if sub != uds.REPORT_DTC_BY_STATUS_MASK {
		return nil, fmt.Errorf("read DTC subfunction %02X: %w", sub, uds.ErrSubFunctionNotSupported)
	}
	if len(payload) != 1 {
		return nil, fmt.Errorf("read DTC payload of %d bytes: %w", len(payload), uds.ErrIncorrectMessageLength)
	}
	mask := payload[0]
	var out []byte
	for _, d := range e.dtcs {
		if d.Status&mask == 0 {
			continue
		}
		rec, err := d.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w: %w", d.Code, err, uds.ErrGeneralProgrammingFailure)
		}
		out = append(out, rec...)
	}
	return out, nil
}

func (e *ECU) clearDiagnosticInformation() ([]byte, error) {
	e.dtcs = nil
	log.Println("cleared diagnostic information")
	return nil, nil
}

func (e *ECU) publishState() {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ebus.TopicSessionType, float64(e.session))
	e.bus.Publish(ebus.TopicSecurityLevel, float64(e.sec.Level()))
}
