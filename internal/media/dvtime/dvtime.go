// Package dvtime decodes the recording timestamp a DV camcorder embeds in the
// tape's subcode area.
//
// DV streams are sequences of 80-byte DIF blocks. Subcode blocks carry sync
// packs, among them REC DATE (0x62) and REC TIME (0x63) with binary-coded
// decimal fields. Both packs must be present and pass range validation before
// a timestamp is accepted; callers fall back to container metadata or file
// modification time otherwise.
package dvtime

import (
	"io"
	"os"
	"time"
)

const (
	// DIF block geometry.
	blockSize   = 80
	headerSize  = 3
	ssybSize    = 8
	ssybsPerBlk = 6

	// Section type lives in bits 7..5 of the first header byte.
	sectionSubcode = 0x01

	packRecDate = 0x62
	packRecTime = 0x63

	// DefaultScanLimit bounds how much of a part file is examined. One DV
	// frame is 120-144 KB, so 1 MB covers several frames of subcode.
	DefaultScanLimit = 1 << 20
)

// RecordedAt scans the first part of the file at path for an embedded
// recording timestamp. The boolean is false when no valid timestamp exists in
// the scanned prefix; err reports I/O failures only.
func RecordedAt(path string, limit int64) (time.Time, bool, error) {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false, err
	}
	defer f.Close()

	data := make([]byte, limit)
	n, err := io.ReadFull(f, data)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return time.Time{}, false, err
	}
	ts, ok := Parse(data[:n])
	return ts, ok, nil
}

// Parse extracts the first valid recording timestamp from raw DV bytes.
func Parse(data []byte) (time.Time, bool) {
	var (
		day, month, year     int
		hour, minute, second int
		haveDate, haveTime   bool
	)

	for off := 0; off+blockSize <= len(data); off += blockSize {
		block := data[off : off+blockSize]
		if (block[0]>>5)&0x07 != sectionSubcode {
			continue
		}
		for i := 0; i < ssybsPerBlk; i++ {
			start := headerSize + i*ssybSize
			if start+ssybSize > len(block) {
				break
			}
			// The 5-byte pack sits after the 3-byte sync block ID.
			pack := block[start+3 : start+ssybSize]
			switch pack[0] {
			case packRecDate:
				if haveDate {
					continue
				}
				d, dok := bcd(pack[1] & 0x3F)
				m, mok := bcd(pack[2] & 0x1F)
				y, yok := bcd(pack[3])
				if !dok || !mok || !yok {
					continue
				}
				if m < 1 || m > 12 || d < 1 || d > 31 {
					continue
				}
				day, month = d, m
				if y < 75 {
					year = 2000 + y
				} else {
					year = 1900 + y
				}
				haveDate = true
			case packRecTime:
				if haveTime {
					continue
				}
				s, sok := bcd(pack[2] & 0x7F)
				m, mok := bcd(pack[3] & 0x7F)
				h, hok := bcd(pack[4] & 0x3F)
				if !sok || !mok || !hok {
					continue
				}
				if h > 23 || m > 59 || s > 59 {
					continue
				}
				hour, minute, second = h, m, s
				haveTime = true
			}
			if haveDate && haveTime {
				return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.Local), true
			}
		}
	}
	return time.Time{}, false
}

// bcd decodes a binary-coded decimal byte. Unrecorded packs carry 0xFF
// nibbles, which are rejected here.
func bcd(b byte) (int, bool) {
	hi := int(b >> 4)
	lo := int(b & 0x0F)
	if hi > 9 || lo > 9 {
		return 0, false
	}
	return hi*10 + lo, true
}
