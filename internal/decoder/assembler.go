package decoder

import "strings"

// Assembler builds the current word from accepted symbols and keeps the
// transcript of finalized words.
type Assembler struct {
	word       strings.Builder
	transcript []string
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Accept appends symbol to the current word unless the word already ends
// with it. It reports whether the word changed.
func (a *Assembler) Accept(symbol string) bool {
	if symbol == "" {
		return false
	}
	if strings.HasSuffix(a.word.String(), symbol) {
		return false
	}
	a.word.WriteString(symbol)
	return true
}

// FlushWord moves a non-empty current word into the transcript.
func (a *Assembler) FlushWord() (string, bool) {
	word := a.word.String()
	if word == "" {
		return "", false
	}
	a.transcript = append(a.transcript, word)
	a.word.Reset()
	return word, true
}

func (a *Assembler) Word() string { return a.word.String() }

// Transcript returns a copy of the finalized words.
func (a *Assembler) Transcript() []string {
	out := make([]string, len(a.transcript))
	copy(out, a.transcript)
	return out
}

// Text is the transcript joined with single spaces.
func (a *Assembler) Text() string {
	return strings.Join(a.transcript, " ")
}
