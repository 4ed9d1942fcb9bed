// Package hash implements key-to-slot mapping for the 16384-slot keyspace.
package hash

// SlotCount is the fixed number of hash slots in the keyspace.
const SlotCount = 16384

// crc16tab is the CCITT/XMODEM table (polynomial 0x1021), built once at init.
var crc16tab [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16tab[i] = crc
	}
}

// CRC16 computes the CCITT CRC16 of data. CRC16("123456789") == 0x31C3.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crc16tab[byte(crc>>8)^b]
	}
	return crc
}

// KeySlot returns the hash slot for key. A key containing a {...} substring
// hashes only on the substring, so clients can force related keys into the
// same slot. An empty tag ({}) falls back to hashing the whole key.
func KeySlot(key string) uint16 {
	s := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '{' {
			s = i
			break
		}
	}
	if s >= 0 {
		for e := s + 1; e < len(key); e++ {
			if key[e] == '}' {
				if e == s+1 {
					break
				}
				key = key[s+1 : e]
				break
			}
		}
	}
	return CRC16([]byte(key)) & (SlotCount - 1)
}
