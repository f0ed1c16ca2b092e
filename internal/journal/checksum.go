package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌項目的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// Checksum 計算項目的 CRC32-IEEE 校驗和
//
// 涵蓋欄位：Seq + Type + JobID + Timestamp + Data（已編碼的 JSON）
func Checksum(e Entry) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(e.Type)
	b.WriteByte('|')
	b.WriteString(e.JobID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	b.WriteByte('|')
	b.Write(e.Data)
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// Verify 驗證項目的校驗和，不符時回傳 *ChecksumError
func Verify(e Entry) error {
	if expected := Checksum(e); expected != e.Checksum {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
