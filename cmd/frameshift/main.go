// frameshift drives relation search over a corpus of structured test
// cases against an external target binary.
package main

import (
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/grail"
	"v.io/x/lib/cmdline"
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	// Registering the s3 implementation lets every -store flag below take
	// an s3:// URL transparently, same as a local directory path.
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})

	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(&cmdline.Command{
		Name:  "frameshift",
		Short: "Infer and preserve size/offset relations in binary test cases",
		Long:  "frameshift searches a corpus of structured test cases for length and offset fields by probing a target binary's coverage, then keeps those fields self-consistent through mutation.",
		Children: []*cmdline.Command{
			newCmdSearch(),
			newCmdInspect(),
			newCmdStats(),
		},
	})
}
