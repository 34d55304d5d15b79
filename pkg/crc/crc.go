package crc

// CRC-16 (reflected 0x8005 polynomial), as used on command and response blocks.

var table [256]uint16

func init() {
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xa001
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
}

func Checksum(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc>>8 ^ table[byte(crc)^b]
	}
	return crc
}

// CRC16 returns the checksum big endian, ready to append to a block
func CRC16(data []byte) []byte {
	sum := Checksum(data)
	return []byte{byte(sum >> 8), byte(sum)}
}
