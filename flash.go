package fpgaboot

import (
	"fmt"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Flash inspects the configuration flash over the MCU side of the shared bus.
// Every transaction is refused while the FPGA owns the bus.
type Flash struct {
	bus  *Arbiter
	conn spi.Conn
	cs   gpio.PinOut
	pr   *flashParams
}

func NewFlash(bus *Arbiter, conn spi.Conn, cs gpio.PinOut) *Flash {
	return &Flash{bus: bus, conn: conn, cs: cs}
}

// Flash commands:
//   - [N25Q32|Table 16: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
const (
	flashCmdPowerUp            = 0xAB // Release Power Down
	flashCmdPowerDown          = 0xB9
	flashCmdReadID             = 0x9F
	flashCmdRead               = 0x03
	flashCmdReadStatusRegister = 0x05
)

// tx runs one chip-select framed transaction.
func (f *Flash) tx(buf []byte) (err error) {
	if f.conn == nil {
		return ErrNoFlash
	}
	if f.bus.Owner() != OwnerMCU {
		return ErrBusNotOwned
	}
	if err = f.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := f.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return f.conn.Tx(buf, buf)
}

func (f *Flash) PowerUp() error {
	if err := f.tx([]byte{flashCmdPowerUp}); err != nil {
		return err
	}
	time.Sleep(f.params().tRES1)
	return nil
}

func (f *Flash) PowerDown() error {
	if err := f.tx([]byte{flashCmdPowerDown}); err != nil {
		return err
	}
	time.Sleep(f.params().tDP)
	return nil
}

// ReadID returns the JEDEC ID and, for known parts, its name.
func (f *Flash) ReadID() (id [3]byte, name string, err error) {
	buf := []byte{flashCmdReadID, 0, 0, 0}
	if err = f.tx(buf); err != nil {
		return
	}
	id = [3]byte(buf[1:])
	if params, ok := knownFlash[id]; ok {
		f.pr = &params
		name = params.name
	}
	return id, name, nil
}

// Read reads n bytes from addr in transactions small enough for the adapter.
func (f *Flash) Read(addr, n int) ([]byte, error) {
	const (
		maxTx    = 65536 // [FTDI-AN_108]
		cmdBytes = 4     // opRead + 24-bit address
		maxData  = maxTx - cmdBytes
		max24    = 1<<24 - 1
	)
	if n < 0 {
		return nil, fmt.Errorf("negative length %d", n)
	}
	if addr < 0 || addr+n-1 > max24 {
		return nil, fmt.Errorf("range 0x%X+%d out of 24-bit space", addr, n)
	}

	out := make([]byte, 0, n)
	for remaining := n; remaining > 0; {
		chunk := min(remaining, maxData)
		buf := make([]byte, cmdBytes+chunk)
		buf[0] = flashCmdRead
		buf[1] = byte(addr >> 16)
		buf[2] = byte(addr >> 8)
		buf[3] = byte(addr)

		if err := f.tx(buf); err != nil {
			return nil, err
		}
		out = append(out, buf[cmdBytes:]...)
		addr += chunk
		remaining -= chunk
	}
	return out, nil
}

func (f *Flash) ReadStatusRegister() (StatusRegister, error) {
	buf := []byte{flashCmdReadStatusRegister, 0}
	if err := f.tx(buf); err != nil {
		return 0, err
	}
	return StatusRegister(buf[1]), nil
}

// StatusRegister is status register 1.
//
//	Bit | [N25Q32|Table 9]          | [W25Q128|7.1 Status Registers]
//	----+---------------------------+-------------------------------
//	7   | Status register write en. | SRP
//	6   | Reserved                  | SEC
//	5   | Top/bottom                | TB
//	4:2 | Block protect 2-0         | BP2-0
//	1   | Write enable latch        | WEL
//	0   | Write in progress         | BUSY
type StatusRegister byte

func (sr StatusRegister) WriteEnabled() bool { return sr&(1<<1) != 0 }
func (sr StatusRegister) Busy() bool         { return sr&(1<<0) != 0 }

// BlockProtect returns BP2-0.
func (sr StatusRegister) BlockProtect() int { return int(sr>>2) & 0x7 }

func (sr StatusRegister) String() string {
	var flags []string
	for _, b := range []struct {
		bit  uint
		name string
	}{{7, "SRP"}, {6, "SEC"}, {5, "TB"}, {1, "WEL"}, {0, "BUSY"}} {
		if sr&(1<<b.bit) != 0 {
			flags = append(flags, b.name)
		}
	}
	if bp := sr.BlockProtect(); bp != 0 {
		flags = append(flags, fmt.Sprintf("BP=%d", bp))
	}
	s := fmt.Sprintf("%08b", byte(sr))
	if len(flags) == 0 {
		return s
	}
	return s + " " + strings.Join(flags, ",")
}
