package dcserver

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/duration"
	"github.com/function61/drivecopy/pkg/tui"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

const progressBarLength = 20

func printStatus(out io.Writer, scf *ServerConfigFile, store *dcdb.Store, now time.Time) error {
	return store.View(func(q *dcdb.Queries) error {
		vds, err := q.VirtualDrives()
		if err != nil {
			return err
		}

		jobs, err := q.CopyJobs()
		if err != nil {
			return err
		}

		owners, err := q.Ownerships()
		if err != nil {
			return err
		}

		conf, err := q.SparingConfig()
		if err != nil {
			return err
		}

		jobByDrive := lo.KeyBy(jobs, func(job dctypes.CopyJob) dctypes.VirtualDriveID { return job.VirtualDrive })

		drivesTbl := newTable(out, "Virtual drive", "Position", "Mode", "State", "Source", "Size", "Copy", "Started", "Deadline")

		for _, vd := range vds {
			copyColumn, startedColumn, deadlineColumn := "", "", ""
			if job, has := jobByDrive[vd.ID]; has {
				copyColumn = fmt.Sprintf(
					"%s -> %s %s (%s)",
					job.Source,
					job.Destination,
					tui.ProgressColumn(vd.PercentCopied(), progressBarLength, tui.ProgressBarDefaultTheme()),
					job.Phase)
				startedColumn = duration.Ago(job.Created, now)
				deadlineColumn = duration.Ago(job.ConfirmationDeadline, now)
			}

			drivesTbl.Append([]string{
				string(vd.ID),
				fmt.Sprintf("%s/%d", vd.RaidGroup, vd.Position),
				vd.Mode.String(),
				vd.State.String(),
				string(vd.SourceDrive()),
				humanize.IBytes(uint64(vd.Capacity) * uint64(scf.blockSize())),
				copyColumn,
				startedColumn,
				deadlineColumn,
			})
		}

		drivesTbl.Render()

		fmt.Fprintln(out)

		ownersTbl := newTable(out, "Raid group", "Owner", "Epoch")

		for _, owner := range owners {
			ownersTbl.Append([]string{
				string(owner.RaidGroup),
				string(owner.Owner),
				strconv.FormatUint(owner.Epoch, 10),
			})
		}

		ownersTbl.Render()

		fmt.Fprintf(
			out,
			"\noperation timeout %s, confirmation enabled %v\n",
			conf.OperationTimeout,
			conf.ConfirmationEnabled)

		return nil
	})
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	tbl := tablewriter.NewWriter(out)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)
	tbl.SetHeader(header)

	return tbl
}
