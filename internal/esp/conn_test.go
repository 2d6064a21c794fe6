package esp

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espzipflasher/internal/image"
	"espzipflasher/internal/image/imagetest"
)

func connect(t *testing.T, dev *fakeDevice, target Target) (*Conn, error) {
	t.Helper()
	svc := NewService(WithOpener(dev.opener), WithSleep(noSleep))
	if target.Port == "" {
		target.Port = "/dev/ttyUSB0"
	}
	return svc.Connect(context.Background(), target)
}

func buildFlashData(t *testing.T, crystal image.Crystal) (*image.FlashData, []byte) {
	t.Helper()
	elf := imagetest.Firmware()
	fw, err := image.Parse(elf)
	require.NoError(t, err)
	fd, err := image.Build(fw, image.DefaultGeometry(), nil, nil, crystal)
	require.NoError(t, err)
	return fd, elf
}

func TestSlipRoundTrip(t *testing.T) {
	payload := []byte{0x01, SLIP_END, 0x02, SLIP_ESC, SLIP_ESC_END, 0x03}
	encoded := slipEncode(payload)

	assert.Equal(t, byte(SLIP_END), encoded[0])
	assert.Equal(t, byte(SLIP_END), encoded[len(encoded)-1])
	assert.NotContains(t, encoded[1:len(encoded)-1], byte(SLIP_END))

	decoded, err := slipDecode(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	_, err = slipDecode([]byte{SLIP_END, SLIP_ESC, 0x00, SLIP_END})
	assert.Error(t, err)
}

func TestReadPacketSkipsBootNoise(t *testing.T) {
	dev := newFakeDevice()
	dev.rx.WriteString("ets Jun  8 2016 00:22:57\r\nrst:0x1 (POWERON_RESET)\r\n")
	dev.rx.Write([]byte{SLIP_END})
	dev.rx.Write(slipEncode([]byte("hello")))

	c := &Conn{port: dev, sleep: noSleep, statusLen: 4}
	pkt, err := c.readPacket(defaultTimeout)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pkt))
}

func TestConnectAndWriteFlash(t *testing.T) {
	dev := newFakeDevice()
	rec := &recorder{}

	c, err := connect(t, dev, Target{
		Chip:     ChipESP32,
		Baud:     921600,
		Before:   ResetDefault,
		After:    ResetHard,
		Verify:   true,
		Callback: rec,
	})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, uint32(2), c.Revision())
	assert.Equal(t, 921600, c.Baud())
	assert.Equal(t, 921600, dev.baud)

	require.NoError(t, c.VerifyMinimumRevision(2))
	var revErr *RevisionError
	require.ErrorAs(t, c.VerifyMinimumRevision(3), &revErr)
	assert.Equal(t, uint32(3), revErr.Required)
	assert.Equal(t, uint32(2), revErr.Actual)

	crystal, err := c.CrystalFrequency()
	require.NoError(t, err)
	assert.Equal(t, image.Crystal40MHz, crystal)

	fd, elf := buildFlashData(t, crystal)
	require.NoError(t, c.WriteFlash(context.Background(), elf, fd, crystal))

	app := fd.AppImage()
	written := dev.flash[image.AppOffset]
	require.GreaterOrEqual(t, len(written), len(app))
	assert.Equal(t, app, written[:len(app)])
	for _, b := range written[len(app):] {
		require.Equal(t, byte(0xFF), b)
	}

	assert.Equal(t, 1, dev.opsCount(ESP_SPI_ATTACH))
	assert.Equal(t, 1, dev.opsCount(ESP_SPI_SET_PARAMS))
	assert.Equal(t, 1, dev.opsCount(ESP_FLASH_BEGIN))
	assert.Equal(t, (len(app)+ESP_FLASH_WRITE_SIZE-1)/ESP_FLASH_WRITE_SIZE, dev.opsCount(ESP_FLASH_DATA))
	assert.Equal(t, 1, dev.opsCount(ESP_SPI_FLASH_MD5))
	assert.Equal(t, 1, dev.opsCount(ESP_FLASH_END))

	require.NotEmpty(t, rec.progress)
	assert.InDelta(t, 1.0, rec.progress[len(rec.progress)-1], 1e-9)
}

func TestCrystal26MHz(t *testing.T) {
	dev := newFakeDevice()
	dev.regs[UART_CLKDIV_REG] = 26_000_000 / ROMBaudRate

	c, err := connect(t, dev, Target{NoStub: true})
	require.NoError(t, err)
	defer c.Close()

	crystal, err := c.CrystalFrequency()
	require.NoError(t, err)
	assert.Equal(t, image.Crystal26MHz, crystal)
}

func TestConnectRejectsOtherChip(t *testing.T) {
	dev := newFakeDevice()
	dev.regs[CHIP_DETECT_MAGIC_REG_ADDR] = 0x6921506f

	_, err := connect(t, dev, Target{Chip: ChipESP32})
	var mismatch *ChipMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, uint32(0x6921506f), mismatch.Magic)
	assert.True(t, dev.closed)
}

func TestConnectWithoutReset(t *testing.T) {
	dev := newFakeDevice()

	c, err := connect(t, dev, Target{Before: ResetNone, After: ResetNone})
	require.NoError(t, err)
	defer c.Close()

	assert.Zero(t, dev.lineEvents)
	assert.Equal(t, ROMBaudRate, c.Baud())
}

func TestWriteFlashCommandFailure(t *testing.T) {
	dev := newFakeDevice()
	c, err := connect(t, dev, Target{})
	require.NoError(t, err)
	defer c.Close()

	crystal, err := c.CrystalFrequency()
	require.NoError(t, err)
	fd, elf := buildFlashData(t, crystal)

	dev.failOp = ESP_FLASH_BEGIN
	err = c.WriteFlash(context.Background(), elf, fd, crystal)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, byte(ESP_FLASH_BEGIN), cmdErr.Op)
	assert.Zero(t, dev.opsCount(ESP_FLASH_DATA))
}

func TestWriteFlashCancelled(t *testing.T) {
	dev := newFakeDevice()
	c, err := connect(t, dev, Target{})
	require.NoError(t, err)
	defer c.Close()

	crystal, err := c.CrystalFrequency()
	require.NoError(t, err)
	fd, elf := buildFlashData(t, crystal)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.WriteFlash(ctx, elf, fd, crystal)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, dev.opsCount(ESP_FLASH_DATA))
}

func TestWriteFlashCrystalMismatch(t *testing.T) {
	dev := newFakeDevice()
	c, err := connect(t, dev, Target{})
	require.NoError(t, err)
	defer c.Close()

	fd, elf := buildFlashData(t, image.Crystal26MHz)
	require.Error(t, c.WriteFlash(context.Background(), elf, fd, image.Crystal40MHz))
	assert.Zero(t, dev.opsCount(ESP_SPI_ATTACH))
}

func TestStubUpload(t *testing.T) {
	dir := t.TempDir()
	text := make([]byte, ESP_RAM_BLOCK+100)
	path := filepath.Join(dir, "stub.json")
	content := fmt.Sprintf(`{"entry": 1074521560, "text": %q, "text_start": 1074397184, "data": %q, "data_start": 1073605544}`,
		base64.StdEncoding.EncodeToString(text), base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	stub, err := LoadStub(path)
	require.NoError(t, err)
	assert.Len(t, stub.Text, len(text))

	dev := newFakeDevice()
	c, err := connect(t, dev, Target{Stub: stub, Baud: 460800, Verify: true})
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.stub)
	assert.Equal(t, 2, c.statusLen)
	assert.Equal(t, uint32(ESP_STUB_FLASH_WRITE_SIZE), c.blockSize)
	assert.Equal(t, 2, dev.opsCount(ESP_MEM_BEGIN))
	assert.Equal(t, 3, dev.opsCount(ESP_MEM_DATA))

	crystal, err := c.CrystalFrequency()
	require.NoError(t, err)
	fd, elf := buildFlashData(t, crystal)
	require.NoError(t, c.WriteFlash(context.Background(), elf, fd, crystal))
}

func TestLoadStubRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stub.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"entry": 0}`), 0o644))

	_, err := LoadStub(path)
	assert.Error(t, err)
}

func TestParseResetMode(t *testing.T) {
	for in, want := range map[string]ResetMode{
		"":              ResetDefault,
		"default-reset": ResetDefault,
		"hard-reset":    ResetHard,
		"no-reset":      ResetNone,
	} {
		got, err := ParseResetMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseResetMode("usb-reset")
	assert.Error(t, err)
}
