// Package certificate parses withdrawal-epoch certificates observed on the
// main chain. All multi-byte integers are little-endian on the wire, and every
// variable-length sequence is prefixed with a Bitcoin-style CompactSize varint.
package certificate

import (
	"fmt"

	"github.com/djkazic/sidechain-go/pkg/util"
)

// FieldElementLength is the byte length of a field element as declared by the
// proving-system library.
const FieldElementLength = 32

// ParseError reports a malformed certificate.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("certificate parsing failed: %s", e.Reason)
}

func corrupted(detail string) error {
	return &ParseError{Reason: "input data corrupted: " + detail}
}

// MainchainTxInput is one main-chain transaction input of a certificate.
type MainchainTxInput struct {
	PrevTxHash  [32]byte
	OutputIndex uint32
	Script      []byte
	Sequence    uint32
}

// MainchainTxOutput is one main-chain transaction output of a certificate.
type MainchainTxOutput struct {
	Value  int64
	Script []byte
}

// BackwardTransferOutput pays sidechain funds back to a main-chain address.
type BackwardTransferOutput struct {
	Amount     int64
	PubKeyHash [20]byte
}

// FieldElementCertificateField is a custom field-element certificate field.
type FieldElementCertificateField struct {
	RawData []byte
}

// BitVectorCertificateField is a compressed bit-vector certificate field.
type BitVectorCertificateField struct {
	RawData []byte
}

// WithdrawalEpochCertificate is a main-chain-observed certificate closing a
// withdrawal epoch.
type WithdrawalEpochCertificate struct {
	Version                             int32
	SidechainID                         [32]byte
	EpochNumber                         int32
	Quality                             int64
	EndCumulativeScTxCommitmentTreeRoot []byte
	Proof                               []byte
	FieldElementCertificateFields       []FieldElementCertificateField
	BitVectorCertificateFields          []BitVectorCertificateField
	FtMinAmount                         int64
	BtrFee                              int64
	TxInputs                            []MainchainTxInput
	TxOutputs                           []MainchainTxOutput
	BackwardTransferOutputs             []BackwardTransferOutput

	raw []byte
}

// Bytes returns the certificate's wire bytes exactly as parsed.
// Re-serialization is the verbatim raw slice, so round trips are byte-exact.
func (c *WithdrawalEpochCertificate) Bytes() []byte {
	return c.raw
}

// Hash returns reverse(doubleSHA256(certificateBytes)).
func (c *WithdrawalEpochCertificate) Hash() [32]byte {
	h := util.DoubleSHA256(c.raw)
	var out [32]byte
	copy(out[:], util.ReverseBytes(h[:]))
	return out
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, corrupted("unexpected end of input")
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	v, _, _ := util.ReadUint32(b)
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	v, _, _ := util.ReadUint64(b)
	return v, nil
}

func (r *reader) compactSize() (uint64, error) {
	v, n, err := util.ReadCompactSize(r.data[r.pos:])
	if err != nil {
		return 0, corrupted("bad varint")
	}
	r.pos += n
	return v, nil
}

func (r *reader) varBytes() ([]byte, error) {
	n, err := r.compactSize()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.data)-r.pos) {
		return nil, corrupted("declared length exceeds input")
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// Parse reads a certificate from data starting at offset. The returned
// certificate retains the raw byte slice [offset, end-of-certificate).
func Parse(data []byte, offset int) (*WithdrawalEpochCertificate, error) {
	if offset < 0 || offset > len(data) {
		return nil, corrupted("offset out of range")
	}
	r := &reader{data: data, pos: offset}
	c := &WithdrawalEpochCertificate{}

	v, err := r.uint32()
	if err != nil {
		return nil, err
	}
	c.Version = int32(v)

	scid, err := r.take(32)
	if err != nil {
		return nil, err
	}
	copy(c.SidechainID[:], scid)

	epoch, err := r.uint32()
	if err != nil {
		return nil, err
	}
	c.EpochNumber = int32(epoch)

	quality, err := r.uint64()
	if err != nil {
		return nil, err
	}
	c.Quality = int64(quality)

	if c.EndCumulativeScTxCommitmentTreeRoot, err = r.varBytes(); err != nil {
		return nil, err
	}
	if len(c.EndCumulativeScTxCommitmentTreeRoot) != FieldElementLength {
		return nil, corrupted(fmt.Sprintf(
			"endCumulativeScTxCommitmentTreeRoot length %d, expected %d",
			len(c.EndCumulativeScTxCommitmentTreeRoot), FieldElementLength))
	}

	if c.Proof, err = r.varBytes(); err != nil {
		return nil, err
	}

	feCount, err := r.compactSize()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < feCount; i++ {
		raw, err := r.varBytes()
		if err != nil {
			return nil, err
		}
		c.FieldElementCertificateFields = append(c.FieldElementCertificateFields,
			FieldElementCertificateField{RawData: raw})
	}

	bvCount, err := r.compactSize()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < bvCount; i++ {
		raw, err := r.varBytes()
		if err != nil {
			return nil, err
		}
		c.BitVectorCertificateFields = append(c.BitVectorCertificateFields,
			BitVectorCertificateField{RawData: raw})
	}

	ftMin, err := r.uint64()
	if err != nil {
		return nil, err
	}
	c.FtMinAmount = int64(ftMin)

	btrFee, err := r.uint64()
	if err != nil {
		return nil, err
	}
	c.BtrFee = int64(btrFee)

	inCount, err := r.compactSize()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < inCount; i++ {
		var in MainchainTxInput
		hash, err := r.take(32)
		if err != nil {
			return nil, err
		}
		copy(in.PrevTxHash[:], hash)
		if in.OutputIndex, err = r.uint32(); err != nil {
			return nil, err
		}
		if in.Script, err = r.varBytes(); err != nil {
			return nil, err
		}
		if in.Sequence, err = r.uint32(); err != nil {
			return nil, err
		}
		c.TxInputs = append(c.TxInputs, in)
	}

	outCount, err := r.compactSize()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < outCount; i++ {
		var out MainchainTxOutput
		value, err := r.uint64()
		if err != nil {
			return nil, err
		}
		out.Value = int64(value)
		if out.Script, err = r.varBytes(); err != nil {
			return nil, err
		}
		c.TxOutputs = append(c.TxOutputs, out)
	}

	btCount, err := r.compactSize()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < btCount; i++ {
		var bt BackwardTransferOutput
		amount, err := r.uint64()
		if err != nil {
			return nil, err
		}
		bt.Amount = int64(amount)
		pkh, err := r.take(20)
		if err != nil {
			return nil, err
		}
		copy(bt.PubKeyHash[:], pkh)
		c.BackwardTransferOutputs = append(c.BackwardTransferOutputs, bt)
	}

	c.raw = append([]byte(nil), data[offset:r.pos]...)
	return c, nil
}

// Encode assembles a certificate's wire bytes from its fields and installs the
// result as the certificate's raw slice. Used to build certificates locally;
// parsed certificates keep their original bytes instead.
func (c *WithdrawalEpochCertificate) Encode() []byte {
	out := util.Uint32ToBytes(uint32(c.Version))
	out = append(out, c.SidechainID[:]...)
	out = append(out, util.Uint32ToBytes(uint32(c.EpochNumber))...)
	out = append(out, util.Uint64ToBytes(uint64(c.Quality))...)

	out = append(out, util.WriteCompactSize(uint64(len(c.EndCumulativeScTxCommitmentTreeRoot)))...)
	out = append(out, c.EndCumulativeScTxCommitmentTreeRoot...)
	out = append(out, util.WriteCompactSize(uint64(len(c.Proof)))...)
	out = append(out, c.Proof...)

	out = append(out, util.WriteCompactSize(uint64(len(c.FieldElementCertificateFields)))...)
	for _, f := range c.FieldElementCertificateFields {
		out = append(out, util.WriteCompactSize(uint64(len(f.RawData)))...)
		out = append(out, f.RawData...)
	}
	out = append(out, util.WriteCompactSize(uint64(len(c.BitVectorCertificateFields)))...)
	for _, f := range c.BitVectorCertificateFields {
		out = append(out, util.WriteCompactSize(uint64(len(f.RawData)))...)
		out = append(out, f.RawData...)
	}

	out = append(out, util.Uint64ToBytes(uint64(c.FtMinAmount))...)
	out = append(out, util.Uint64ToBytes(uint64(c.BtrFee))...)

	out = append(out, util.WriteCompactSize(uint64(len(c.TxInputs)))...)
	for _, in := range c.TxInputs {
		out = append(out, in.PrevTxHash[:]...)
		out = append(out, util.Uint32ToBytes(in.OutputIndex)...)
		out = append(out, util.WriteCompactSize(uint64(len(in.Script)))...)
		out = append(out, in.Script...)
		out = append(out, util.Uint32ToBytes(in.Sequence)...)
	}
	out = append(out, util.WriteCompactSize(uint64(len(c.TxOutputs)))...)
	for _, o := range c.TxOutputs {
		out = append(out, util.Uint64ToBytes(uint64(o.Value))...)
		out = append(out, util.WriteCompactSize(uint64(len(o.Script)))...)
		out = append(out, o.Script...)
	}
	out = append(out, util.WriteCompactSize(uint64(len(c.BackwardTransferOutputs)))...)
	for _, bt := range c.BackwardTransferOutputs {
		out = append(out, util.Uint64ToBytes(uint64(bt.Amount))...)
		out = append(out, bt.PubKeyHash[:]...)
	}

	c.raw = out
	return out
}
