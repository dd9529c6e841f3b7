package tensor

import "fmt"

// Attention masks follow the engine's convention: a true element marks a
// position the attention kernel must NOT attend to. The builders below derive
// the 3D kernel masks from a 2D [batch, seq] presence mask of 0/1 values by
// broadcasting row and column views, multiplying, and binarizing at 0.5.

// SelfAttentionMask expands a [b, s] presence mask into a [b, s, s] kernel
// mask: product of the [b, 1, s] and [b, s, 1] broadcasts, then < 0.5.
func SelfAttentionMask(mask *Tensor) *Tensor {
	b, s := mask2d(mask)
	out := NewBool(b, s, s)
	for n := 0; n < b; n++ {
		for i := 0; i < s; i++ {
			ri := mask.IntAt(n, i)
			for j := 0; j < s; j++ {
				prod := float64(ri) * float64(mask.IntAt(n, j))
				out.SetBool(prod < 0.5, n, i, j)
			}
		}
	}
	return out
}

// CausalMask returns the [1, s, s] lower-triangular decoder self-attention
// mask: true strictly above the diagonal.
func CausalMask(seqLen int) *Tensor {
	out := NewBool(1, seqLen, seqLen)
	for i := 0; i < seqLen; i++ {
		for j := 0; j < seqLen; j++ {
			out.SetBool(j > i, 0, i, j)
		}
	}
	return out
}

// CrossMask builds the [b, decSeq, s] encoder-decoder attention mask from the
// encoder-side [b, s] presence mask. Every decoder position sees the same
// encoder columns.
func CrossMask(mask *Tensor, decSeqLen int) *Tensor {
	b, s := mask2d(mask)
	out := NewBool(b, decSeqLen, s)
	for n := 0; n < b; n++ {
		for j := 0; j < s; j++ {
			masked := float64(mask.IntAt(n, j)) < 0.5
			for i := 0; i < decSeqLen; i++ {
				out.SetBool(masked, n, i, j)
			}
		}
	}
	return out
}

// BinarizeMask converts a broadcast int64 mask tensor to the boolean kernel
// convention in place of the engine's `< 0.5` comparison.
func BinarizeMask(t *Tensor) *Tensor {
	t.mustBe(Int64)
	out := NewBool(t.shape...)
	for i, v := range t.ints {
		out.bools[i] = float64(v) < 0.5
	}
	return out
}

func mask2d(mask *Tensor) (b, s int) {
	if len(mask.Shape()) != 2 {
		panic(fmt.Sprintf("tensor: presence mask needs 2 dims, have %v", mask.Shape()))
	}
	mask.mustBe(Int64)
	return mask.Dim(0), mask.Dim(1)
}
