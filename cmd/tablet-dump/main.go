// tablet-dump prints the contents of a disk rowset as seen by a compaction
// input: every base row joined with its pending mutation chain, in key
// order. Useful for inspecting rowsets while debugging compaction issues.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ventfang/kudu/pkg/mvcc"
	"github.com/ventfang/kudu/pkg/tablet"
)

func main() {
	dir := flag.String("dir", ".", "directory holding the rowset's data file")
	id := flag.Uint64("id", 0, "rowset identifier")
	deltaDir := flag.String("delta-dir", "", "optional delta log directory to replay")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	rs, err := tablet.OpenDiskRowSet(tablet.DiskRowSetConfig{
		ID:          *id,
		Dir:         *dir,
		Logger:      logger,
		DeltaLogDir: *deltaDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tablet-dump: %v\n", err)
		os.Exit(1)
	}
	defer rs.Close()

	fmt.Printf("%s\n", rs.DebugString())
	fmt.Printf("schema: %s\n", rs.Schema())

	input, err := rs.NewCompactionInput(mvcc.NewSnapshotIncludingAll())
	if err != nil {
		fmt.Fprintf(os.Stderr, "tablet-dump: %v\n", err)
		os.Exit(1)
	}

	var lines []string
	if err := tablet.DebugDumpCompactionInput(input, &lines, logger); err != nil {
		fmt.Fprintf(os.Stderr, "tablet-dump: %v\n", err)
		os.Exit(1)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}
