package diffim

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

const (
	fitsBlockSize  = 2880
	fitsRecordSize = 80
)

// FitsMetadata holds parsed FITS header key-value pairs.
type FitsMetadata struct {
	Headers map[string]string
}

// NewFitsMetadata creates an empty FitsMetadata.
func NewFitsMetadata() *FitsMetadata {
	return &FitsMetadata{Headers: make(map[string]string)}
}

func (m *FitsMetadata) GetString(key string) string {
	if v, ok := m.Headers[strings.ToUpper(key)]; ok {
		return v
	}
	return ""
}

func (m *FitsMetadata) GetDouble(key string) (float64, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (m *FitsMetadata) GetInt(key string) (int, bool) {
	d, ok := m.GetDouble(key)
	if !ok || d != math.Trunc(d) {
		return 0, false
	}
	return int(d), true
}

func (m *FitsMetadata) ObjectName() string { return m.GetString("OBJECT") }
func (m *FitsMetadata) Filter() string     { return m.GetString("FILTER") }

func (m *FitsMetadata) ExposureTime() (float64, bool) {
	if v, ok := m.GetDouble("EXPTIME"); ok {
		return v, true
	}
	return m.GetDouble("EXPOSURE")
}

// Gain returns the detector gain in electrons per ADU.
func (m *FitsMetadata) Gain() (float64, bool) { return m.GetDouble("GAIN") }

// FitsImage holds a FITS primary image in physical units.
type FitsImage struct {
	Image    *Image[float32]
	Bitpix   int
	Metadata *FitsMetadata
}

// ReadFits reads FITS headers and pixel data from a file.
func ReadFits(filePath string) (*FitsImage, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return readFitsFromReader(bufio.NewReader(f))
}

// ReadFitsFromBytes reads FITS headers and pixel data from a byte slice.
func ReadFitsFromBytes(data []byte) (*FitsImage, error) {
	return readFitsFromReader(bytes.NewReader(data))
}

func readFitsFromReader(r io.Reader) (*FitsImage, error) {
	var bitpix, naxis, width, height int
	bzero := 0.0
	bscale := 1.0
	headerDone := false
	metadata := NewFitsMetadata()

	recordBuf := make([]byte, fitsRecordSize)

	for !headerDone {
		for i := 0; i < fitsBlockSize/fitsRecordSize; i++ {
			if _, err := io.ReadFull(r, recordBuf); err != nil {
				return nil, fmt.Errorf("reading FITS header record: %w", err)
			}
			record := string(recordBuf)
			keyword := strings.TrimSpace(record[:8])

			if keyword == "END" {
				headerDone = true
				remaining := fitsBlockSize/fitsRecordSize - 1 - i
				if remaining > 0 {
					if _, err := io.CopyN(io.Discard, r, int64(remaining*fitsRecordSize)); err != nil {
						return nil, fmt.Errorf("skipping FITS header padding: %w", err)
					}
				}
				break
			}

			if record[8] == '=' && record[9] == ' ' {
				rawValue := strings.TrimSpace(strings.SplitN(record[10:], "/", 2)[0])
				parsedValue := parseFitsValue(rawValue)

				if keyword != "" && parsedValue != "" {
					metadata.Headers[strings.ToUpper(keyword)] = parsedValue
				}

				switch keyword {
				case "BITPIX":
					bitpix, _ = strconv.Atoi(rawValue)
				case "NAXIS":
					naxis, _ = strconv.Atoi(rawValue)
				case "NAXIS1":
					width, _ = strconv.Atoi(rawValue)
				case "NAXIS2":
					height, _ = strconv.Atoi(rawValue)
				case "BZERO":
					bzero, _ = strconv.ParseFloat(rawValue, 64)
				case "BSCALE":
					bscale, _ = strconv.ParseFloat(rawValue, 64)
				}
			}
		}
	}

	if naxis < 2 || width == 0 || height == 0 {
		return nil, fmt.Errorf("invalid FITS: NAXIS=%d, NAXIS1=%d, NAXIS2=%d", naxis, width, height)
	}

	numPixels := width * height
	img := NewImage[float32](width, height)

	var sample func(b []byte) float64
	var size int
	switch bitpix {
	case 8:
		size = 1
		sample = func(b []byte) float64 { return float64(b[0]) }
	case 16:
		size = 2
		sample = func(b []byte) float64 { return float64(int16(binary.BigEndian.Uint16(b))) }
	case 32:
		size = 4
		sample = func(b []byte) float64 { return float64(int32(binary.BigEndian.Uint32(b))) }
	case -32:
		size = 4
		sample = func(b []byte) float64 { return float64(math.Float32frombits(binary.BigEndian.Uint32(b))) }
	case -64:
		size = 8
		sample = func(b []byte) float64 { return math.Float64frombits(binary.BigEndian.Uint64(b)) }
	default:
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}

	rawBytes := make([]byte, numPixels*size)
	if _, err := io.ReadFull(r, rawBytes); err != nil {
		return nil, fmt.Errorf("reading BITPIX %d pixel data: %w", bitpix, err)
	}
	for i := 0; i < numPixels; i++ {
		img.Pix[i] = float32(sample(rawBytes[i*size:])*bscale + bzero)
	}

	// LTVn is the offset from parent to local pixel coordinates.
	if ltv1, ok := metadata.GetInt("LTV1"); ok {
		img.X0 = -ltv1
	}
	if ltv2, ok := metadata.GetInt("LTV2"); ok {
		img.Y0 = -ltv2
	}

	return &FitsImage{Image: img, Bitpix: bitpix, Metadata: metadata}, nil
}

func parseFitsValue(rawValue string) string {
	if rawValue == "" {
		return ""
	}
	if rawValue == "T" {
		return "True"
	}
	if rawValue == "F" {
		return "False"
	}
	if strings.HasPrefix(rawValue, "'") {
		endQuote := strings.LastIndex(rawValue, "'")
		if endQuote > 0 {
			return strings.TrimRight(rawValue[1:endQuote], " ")
		}
		return strings.TrimLeft(strings.TrimRight(rawValue, " "), "'")
	}
	return rawValue
}

// WriteFits writes img as a single-HDU BITPIX -32 FITS file, followed by the
// extra header cards in the order given.
func WriteFits[T Pixel](w io.Writer, img *Image[T], extra ...FitsCard) error {
	cards := []FitsCard{
		{"SIMPLE", "T"},
		{"BITPIX", "-32"},
		{"NAXIS", "2"},
		{"NAXIS1", strconv.Itoa(img.Width)},
		{"NAXIS2", strconv.Itoa(img.Height)},
	}
	if img.X0 != 0 || img.Y0 != 0 {
		cards = append(cards, FitsCard{"LTV1", strconv.Itoa(-img.X0)}, FitsCard{"LTV2", strconv.Itoa(-img.Y0)})
	}
	cards = append(cards, extra...)

	var header bytes.Buffer
	for _, c := range cards {
		header.WriteString(c.record())
	}
	header.WriteString(fmt.Sprintf("%-80s", "END"))
	for header.Len()%fitsBlockSize != 0 {
		header.WriteByte(' ')
	}
	if _, err := w.Write(header.Bytes()); err != nil {
		return fmt.Errorf("writing FITS header: %w", err)
	}

	data := make([]byte, 4*len(img.Pix))
	for i, v := range img.Pix {
		binary.BigEndian.PutUint32(data[i*4:], math.Float32bits(float32(v)))
	}
	if pad := len(data) % fitsBlockSize; pad != 0 {
		data = append(data, make([]byte, fitsBlockSize-pad)...)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing FITS data: %w", err)
	}
	return nil
}

// FitsCard is one header keyword and its already formatted value.
type FitsCard struct {
	Key   string
	Value string
}

// StringCard quotes s as a FITS string value.
func StringCard(key, s string) FitsCard {
	return FitsCard{Key: key, Value: "'" + strings.ReplaceAll(s, "'", "''") + "'"}
}

func (c FitsCard) record() string {
	return fmt.Sprintf("%-8.8s= %-70.70s", strings.ToUpper(c.Key), fmt.Sprintf("%20s", c.Value))
}
