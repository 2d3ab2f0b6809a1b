package dcserver

import (
	"context"
	"log"
	"net/http"

	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dcutils"
	"github.com/function61/drivecopy/pkg/logtee"
	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/taskrunner"
	"github.com/gorilla/mux"
)

func runServer(ctx context.Context, confPath string, logger *log.Logger, logTail *logtee.Tail[string]) error {
	logl := logex.Levels(logger)

	scf, err := readServerConfigFile(confPath)
	if err != nil {
		return err
	}

	db, err := dcdb.Open(scf.DbLocation)
	if err != nil {
		return err
	}
	defer db.Close()

	tasks := taskrunner.New(ctx, logger)

	eng, err := newEngine(ctx, scf, db, logTail, logger, tasks.Start)
	if err != nil {
		return err
	}

	router := mux.NewRouter()

	defineRestApi(router, eng, logex.Prefix("restapi", logger))

	listener, err := dcutils.Listen(scf.listenAddr(), logl)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler: eng.metrics.WrapHTTPServer(router),
	}

	tasks.Start("listener "+listener.Addr().String(), func(ctx context.Context) error {
		return httputils.RemoveGracefulServerClosedError(srv.Serve(listener))
	})

	tasks.Start("listenershutdowner", httputils.ServerShutdownTask(srv))

	logl.Info.Printf(
		"controller %s (ver. %s) started",
		scf.ControllerID,
		dynversion.Version)

	return tasks.Wait()
}
