// Package modbus implements ModbusWorker: one supervised TCP connection to
// one field device, periodic read of a contiguous discrete range, queued
// writes drained ahead of each read, and exponential-backoff reconnection.
package modbus

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"

	"github.com/wrapsafe/supervisor/internal/config"
	"github.com/wrapsafe/supervisor/internal/eventlog"
)

// IOType distinguishes a read-only discrete-input worker (the combined DI
// device) from a read/write coil worker (the per-machine DO devices).
type IOType int

const (
	IODiscreteInputs IOType = iota
	IOCoils
)

// DiSnapshot is a whole-range atomic snapshot from one DI read cycle.
type DiSnapshot struct {
	Connected bool
	Values    map[int]bool
	Ts        time.Time
	ErrText   string
}

// DoSnapshot is a whole-range atomic snapshot from one DO read-back cycle.
type DoSnapshot struct {
	Connected bool
	Values    map[int]bool
	Ts        time.Time
	ErrText   string
}

// DoCommand is a fire-and-forget single-coil write, queued from LogicStage.
type DoCommand struct {
	Addr  int
	Value bool
}

const (
	readInterval = 100 * time.Millisecond
	retryCount   = 3
	retryDelay   = 50 * time.Millisecond
	backoffStart = 2 * time.Second
	backoffCap   = 30 * time.Second
	cmdQueueCap  = 256
	pulseWidth   = 300 * time.Millisecond
)

// Stats are cumulative read/write outcome counters for one Worker, mirroring
// the original ModbusStats dataclass the rest of this codebase's diagnostics
// are grounded on.
type Stats struct {
	ReadSuccess  int64
	ReadFail     int64
	WriteSuccess int64
	WriteFail    int64
}

// Worker owns one TCP connection to one Modbus/TCP device.
type Worker struct {
	name   string
	cfg    config.ModbusDeviceConfig
	ioType IOType

	cmdCh chan DoCommand

	onDi func(DiSnapshot)
	onDo func(DoSnapshot)

	deviceLog *logrus.Logger

	handler *mb.TCPClientHandler
	client  mb.Client

	statReadOK, statReadFail   int64
	statWriteOK, statWriteFail int64
}

// NewDiWorker creates a read-only worker over a discrete-input range.
// deviceLog may be nil, in which case connect/disconnect transitions are
// only visible through the process log.
func NewDiWorker(name string, cfg config.ModbusDeviceConfig, deviceLog *logrus.Logger, onDi func(DiSnapshot)) *Worker {
	return &Worker{name: name, cfg: cfg, ioType: IODiscreteInputs, deviceLog: deviceLog, onDi: onDi}
}

// NewDoWorker creates a read/write worker over a coil range.
func NewDoWorker(name string, cfg config.ModbusDeviceConfig, deviceLog *logrus.Logger, onDo func(DoSnapshot)) *Worker {
	return &Worker{name: name, cfg: cfg, ioType: IOCoils, deviceLog: deviceLog, onDo: onDo, cmdCh: make(chan DoCommand, cmdQueueCap)}
}

// Stats returns a snapshot of this Worker's cumulative read/write outcome
// counters.
func (w *Worker) Stats() Stats {
	return Stats{
		ReadSuccess:  atomic.LoadInt64(&w.statReadOK),
		ReadFail:     atomic.LoadInt64(&w.statReadFail),
		WriteSuccess: atomic.LoadInt64(&w.statWriteOK),
		WriteFail:    atomic.LoadInt64(&w.statWriteFail),
	}
}

// Enqueue submits a write command. Only valid for IOCoils workers. Blocks if
// the queue is momentarily full, preserving submission order rather than
// dropping writes.
func (w *Worker) Enqueue(cmd DoCommand) {
	if w.cmdCh == nil {
		log.Printf("[modbus:%s] Enqueue called on a read-only worker, ignoring", w.name)
		return
	}
	w.cmdCh <- cmd
}

// Commands exposes the queued write channel, read-only, for tests that need
// to observe what a LogicStage enqueued without a live TCP connection.
func (w *Worker) Commands() <-chan DoCommand {
	return w.cmdCh
}

// Pulse writes true to addr, then schedules a false write 300ms later. The
// OFF write is queued independently of the ON write's completion, so it is
// not skipped if the worker reconnects in between. Concurrent calls for the
// same or different coils queue rather than coalesce.
func (w *Worker) Pulse(addr int) {
	w.Enqueue(DoCommand{Addr: addr, Value: true})
	go func() {
		time.Sleep(pulseWidth)
		w.Enqueue(DoCommand{Addr: addr, Value: false})
	}()
}

// Run drives the connect/read/write loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[modbus:%s] starting, target=%s:%d", w.name, w.cfg.Host, w.cfg.Port)
	for ctx.Err() == nil {
		if !w.connect(ctx) {
			return // ctx cancelled while (re)connecting
		}
		w.ioLoop(ctx)
		w.close()
	}
	log.Printf("[modbus:%s] stopped", w.name)
}

// connect performs the initial connection with exponential backoff. Returns
// false only if ctx was cancelled during the attempt.
func (w *Worker) connect(ctx context.Context) bool {
	backoff := backoffStart
	for {
		addr := fmt.Sprintf("%s:%d", w.cfg.Host, w.cfg.Port)
		handler := mb.NewTCPClientHandler(addr)
		handler.Timeout = w.cfg.TimeoutDur
		handler.SlaveId = w.cfg.UnitID

		if err := handler.Connect(); err != nil {
			log.Printf("[modbus:%s] connect failed: %v, retrying in %s", w.name, err, backoff)
			w.publishDisconnected(err)

			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}

		w.handler = handler
		w.client = mb.NewClient(handler)
		log.Printf("[modbus:%s] connected", w.name)
		if w.deviceLog != nil {
			eventlog.LogDeviceState(w.deviceLog, true, "")
		}
		return true
	}
}

func (w *Worker) close() {
	if w.handler != nil {
		_ = w.handler.Close()
		w.handler = nil
		w.client = nil
	}
}

// ioLoop runs read/write cycles until an I/O error forces a reconnect or ctx
// is cancelled.
func (w *Worker) ioLoop(ctx context.Context) {
	ticker := time.NewTicker(readInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.ioType == IOCoils {
				if err := w.drainWrites(); err != nil {
					log.Printf("[modbus:%s] write failed after retries: %v", w.name, err)
					w.publishDisconnected(err)
					return
				}
			}
			if err := w.readCycle(); err != nil {
				log.Printf("[modbus:%s] read failed after retries: %v", w.name, err)
				w.publishDisconnected(err)
				return
			}
		}
	}
}

// drainWrites applies every queued DoCommand, in submission order, before
// the read that follows in the same cycle.
func (w *Worker) drainWrites() error {
	for {
		select {
		case cmd := <-w.cmdCh:
			if err := w.writeWithRetry(cmd); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (w *Worker) writeWithRetry(cmd DoCommand) error {
	level := gpio.Low
	if cmd.Value {
		level = gpio.High
	}
	value := uint16(0x0000)
	if bool(level) {
		value = 0xFF00
	}
	var lastErr error
	for attempt := 0; attempt < retryCount; attempt++ {
		if _, err := w.client.WriteSingleCoil(uint16(cmd.Addr), value); err == nil {
			atomic.AddInt64(&w.statWriteOK, 1)
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(retryDelay)
	}
	atomic.AddInt64(&w.statWriteFail, 1)
	return fmt.Errorf("write coil %d: %w", cmd.Addr, lastErr)
}

func (w *Worker) readCycle() error {
	quantity := uint16(w.cfg.AddrEnd - w.cfg.AddrStart + 1)
	var raw []byte
	var lastErr error
	for attempt := 0; attempt < retryCount; attempt++ {
		var err error
		if w.ioType == IODiscreteInputs {
			raw, err = w.client.ReadDiscreteInputs(uint16(w.cfg.AddrStart), quantity)
		} else {
			raw, err = w.client.ReadCoils(uint16(w.cfg.AddrStart), quantity)
		}
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		time.Sleep(retryDelay)
	}
	if lastErr != nil {
		atomic.AddInt64(&w.statReadFail, 1)
		return fmt.Errorf("read range [%d..%d]: %w", w.cfg.AddrStart, w.cfg.AddrEnd, lastErr)
	}
	atomic.AddInt64(&w.statReadOK, 1)

	values := unpackBits(raw, int(quantity), w.cfg.AddrStart)
	ts := time.Now()
	if w.ioType == IODiscreteInputs {
		w.onDi(DiSnapshot{Connected: true, Values: values, Ts: ts})
	} else {
		w.onDo(DoSnapshot{Connected: true, Values: values, Ts: ts})
	}
	return nil
}

func (w *Worker) publishDisconnected(err error) {
	ts := time.Now()
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	if w.deviceLog != nil {
		eventlog.LogDeviceState(w.deviceLog, false, errText)
	}
	if w.ioType == IODiscreteInputs {
		w.onDi(DiSnapshot{Connected: false, Ts: ts, ErrText: errText})
	} else {
		w.onDo(DoSnapshot{Connected: false, Ts: ts, ErrText: errText})
	}
}

// bitLevel reports the gpio.Level (High/Low) of bit bitIdx within b, the same
// asserted/deasserted vocabulary periph.io/x/conn/v3/gpio uses for a digital
// line, before it is collapsed back to a plain bool at the package boundary.
func bitLevel(b byte, bitIdx uint) gpio.Level {
	if b&(1<<bitIdx) != 0 {
		return gpio.High
	}
	return gpio.Low
}

// unpackBits expands a Modbus bit-packed response (LSB-first within each
// byte) into a map keyed by absolute address.
func unpackBits(raw []byte, count int, addrStart int) map[int]bool {
	values := make(map[int]bool, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx >= len(raw) {
			break
		}
		values[addrStart+i] = bool(bitLevel(raw[byteIdx], bitIdx))
	}
	return values
}
