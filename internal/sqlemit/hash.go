package sqlemit

import "fmt"

const lookup3Seed = 5381

// prepareHandle returns the 8-hex-digit PREPARE handle for a SQL string.
// Identical text always yields an identical handle.
func prepareHandle(sql string) string {
	return fmt.Sprintf("%08x", lookup3([]byte(sql), lookup3Seed))
}
