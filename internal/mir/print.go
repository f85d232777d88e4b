package mir

import (
	"fmt"
	"io"
)

func blockLabel(b *Block) string {
	return fmt.Sprintf(".L%s_%s", b.Fn.Name, b.Name)
}

// WriteFunction renders a function as GAS assembly, interleaving the original
// instructions with any emitted code attached by the obfuscation pass.
func WriteFunction(w io.Writer, fn *Function) error {
	fmt.Fprintf(w, "\t.globl %s\n", fn.Name)
	fmt.Fprintf(w, "\t.type %s, @function\n", fn.Name)
	fmt.Fprintf(w, "%s:\n", fn.Name)
	for _, blk := range fn.Blocks {
		fmt.Fprintf(w, "%s:\n", blockLabel(blk))
		for _, e := range blk.Head {
			writeEmitted(w, e)
		}
		for _, in := range blk.Instrs {
			for _, e := range in.Pre {
				writeEmitted(w, e)
			}
			fmt.Fprintf(w, "\t%s\n", in.GasText())
		}
		for _, e := range blk.Tail {
			writeEmitted(w, e)
		}
	}
	fmt.Fprintf(w, "\t.size %s, .-%s\n", fn.Name, fn.Name)
	return nil
}

// WriteModule renders all functions preceded by a .text header.
func WriteModule(w io.Writer, funcs []*Function) error {
	fmt.Fprintf(w, "\t.text\n")
	for _, fn := range funcs {
		if err := WriteFunction(w, fn); err != nil {
			return err
		}
	}
	return nil
}

func writeEmitted(w io.Writer, e Emitted) {
	text := e.GasText()
	if len(text) > 0 && text[len(text)-1] == ':' {
		// label definitions are not indented
		fmt.Fprintf(w, "%s\n", text)
		return
	}
	fmt.Fprintf(w, "\t%s\n", text)
}
