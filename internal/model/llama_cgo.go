//go:build llama

package model

// cgo link directives for the in-process llama.cpp adapter.
// - rpath of $ORIGIN so libllama.so is found next to the built binary (./bin).
// - -L${SRCDIR}/../../bin so the linker finds libllama.so when building with -tags=llama.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
