package chain

import "encoding/binary"

// ComputeBudgetProgram is the native compute budget program.
var ComputeBudgetProgram = MustPubkey("ComputeBudget111111111111111111111111111111")

const (
	computeBudgetSetLimit = 0x02
	computeBudgetSetPrice = 0x03
)

// SetComputeUnitLimit caps the compute units the transaction may consume.
func SetComputeUnitLimit(units uint32) Instruction {
	data := make([]byte, 5)
	data[0] = computeBudgetSetLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return Instruction{ProgramID: ComputeBudgetProgram, Data: data}
}

// SetComputeUnitPrice sets the priority fee in micro-lamports per compute unit.
func SetComputeUnitPrice(microLamports uint64) Instruction {
	data := make([]byte, 9)
	data[0] = computeBudgetSetPrice
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return Instruction{ProgramID: ComputeBudgetProgram, Data: data}
}
