package dcserver

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/function61/drivecopy/pkg/copyjob"
	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dchealth"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/dualsp"
	"github.com/function61/drivecopy/pkg/rebuildlog"
	"github.com/function61/drivecopy/pkg/scheduler"
	"github.com/function61/gokit/logex"
	"github.com/gorilla/mux"
	"github.com/samber/lo"
)

const maxPeerMessageSize = 64 * 1024 * 1024

func defineRestApi(router *mux.Router, eng *engine, logger *log.Logger) {
	logl := logex.Levels(logger)

	// runs fn on the scheduler goroutine. on failure the response has been written
	inEngine := func(w http.ResponseWriter, r *http.Request, fn func(now time.Time) error) bool {
		if err := eng.sched.Do(r.Context(), fn); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return false
		}

		return true
	}

	statusAndOwners := func(w http.ResponseWriter, r *http.Request) ([]copyjob.VirtualDriveStatus, []dctypes.Ownership, bool) {
		var statuses []copyjob.VirtualDriveStatus
		var owners []dctypes.Ownership

		ok := inEngine(w, r, func(time.Time) error {
			var err error
			statuses, err = eng.orch.Status()
			owners = eng.sync.Owners()
			return err
		})

		return statuses, owners, ok
	}

	router.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		statuses, owners, ok := statusAndOwners(w, r)
		if !ok {
			return
		}

		ignoreError(outJson(w, StatusOutput{
			Controller:    eng.conf.ControllerID,
			BlockSize:     eng.conf.blockSize(),
			VirtualDrives: lo.Map(statuses, func(status copyjob.VirtualDriveStatus, _ int) VirtualDriveOutput { return statusToOutput(status) }),
			Owners: lo.Map(owners, func(owner dctypes.Ownership, _ int) OwnerOutput {
				return OwnerOutput{
					RaidGroup: string(owner.RaidGroup),
					Owner:     string(owner.Owner),
					Epoch:     owner.Epoch,
				}
			}),
			Spares: lo.Map(eng.spares.Status(), func(item SpareStatus, _ int) SpareOutput {
				return SpareOutput{
					Drive:    string(item.Drive),
					Capacity: uint64(item.Capacity),
					Healthy:  item.Healthy,
					Used:     item.Used,
				}
			}),
		}))
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		statuses, owners, ok := statusAndOwners(w, r)
		if !ok {
			return
		}

		health, err := dchealth.New(statuses, owners).CheckHealth()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		ignoreError(outJson(w, health))
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/copy", func(w http.ResponseWriter, r *http.Request) {
		input := CopyRequestInput{}
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		kind, err := dctypes.JobKindFromString(input.Kind)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var job *dctypes.CopyJob
		requestErr := eng.sched.Do(r.Context(), func(now time.Time) error {
			var err error
			job, err = eng.orch.RequestCopy(copyjob.CopyRequest{
				VirtualDrive: dctypes.VirtualDriveID(input.VirtualDrive),
				Kind:         kind,
				Destination:  dctypes.DriveID(input.Destination),
			}, now)
			return err
		})

		var rejection *dctypes.RejectionError
		switch {
		case requestErr == nil:
			ignoreError(outJsonWithStatus(w, http.StatusCreated, jobToOutput(job)))
		case errors.As(requestErr, &rejection):
			ignoreError(outJsonWithStatus(w, http.StatusConflict, RejectionOutput{
				Reason: rejection.Reason,
				Detail: rejection.Detail,
			}))
		default:
			http.Error(w, requestErr.Error(), http.StatusInternalServerError)
		}
	}).Methods(http.MethodPost)

	// the health feed. events are applied asynchronously in arrival order
	router.HandleFunc("/api/edge-events", func(w http.ResponseWriter, r *http.Request) {
		inputs := []EdgeEventInput{}
		if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		events := []dctypes.EdgeEvent{}
		for _, input := range inputs {
			ev, err := input.toEvent()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			events = append(events, ev)
		}

		eng.sched.Post(func(now time.Time) {
			for _, ev := range events {
				eng.orch.HandleEdgeEvent(ev, now)
			}
		})

		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/virtual-drives/{id}/log-write", func(w http.ResponseWriter, r *http.Request) {
		input := LogWriteInput{}
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if input.Start+input.Count < input.Start {
			http.Error(w, "start + count overflows", http.StatusBadRequest)
			return
		}

		logged := false
		logErr := eng.sched.Do(r.Context(), func(time.Time) error {
			var err error
			logged, err = eng.orch.LogWrite(
				dctypes.VirtualDriveID(mux.Vars(r)["id"]),
				dctypes.Lba(input.Start),
				dctypes.Lba(input.Count))
			return err
		})
		switch {
		case logErr == nil:
			ignoreError(outJson(w, LogWriteOutput{Logged: logged}))
		case errors.Is(logErr, rebuildlog.ErrWriteOutOfRange):
			http.Error(w, logErr.Error(), http.StatusBadRequest)
		default:
			http.Error(w, logErr.Error(), http.StatusInternalServerError)
		}
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		var conf dcdb.SparingConfig
		if err := eng.store.View(func(q *dcdb.Queries) error {
			var err error
			conf, err = q.SparingConfig()
			return err
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		ignoreError(outJson(w, sparingConfigToOutput(conf)))
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		input := SparingConfigInput{}
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var updated dcdb.SparingConfig
		if !inEngine(w, r, func(time.Time) error {
			return eng.store.Update(func(tx *dcdb.Tx) error {
				conf, err := tx.Read().SparingConfig()
				if err != nil {
					return err
				}

				if input.OperationTimeoutSeconds != nil {
					conf.OperationTimeout = dcdb.ClampOperationTimeout(time.Duration(*input.OperationTimeoutSeconds) * time.Second)
				}
				if input.ConfirmationEnabled != nil {
					conf.ConfirmationEnabled = *input.ConfirmationEnabled
				}

				updated = conf

				return tx.SaveSparingConfig(conf)
			})
		}) {
			return
		}

		logl.Info.Printf(
			"sparing config: timeout %s confirmation %v",
			updated.OperationTimeout,
			updated.ConfirmationEnabled)

		ignoreError(outJson(w, sparingConfigToOutput(updated)))
	}).Methods(http.MethodPut)

	router.HandleFunc("/api/spares/{drive}/health", func(w http.ResponseWriter, r *http.Request) {
		input := SpareHealthInput{}
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := eng.spares.SetHealthy(dctypes.DriveID(mux.Vars(r)["drive"]), input.Healthy); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	// the operator's word that the peer is gone for good. see dualsp.Synchronizer.Reclaim()
	router.HandleFunc("/api/raid-groups/{id}/claim", func(w http.ResponseWriter, r *http.Request) {
		rg := dctypes.RaidGroupID(mux.Vars(r)["id"])

		if err := eng.sched.Do(r.Context(), func(now time.Time) error {
			return eng.sync.Reclaim(rg, now)
		}); err != nil {
			if errors.Is(err, dualsp.ErrUnknownRaidGroup) {
				http.Error(w, err.Error(), http.StatusNotFound)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}

		logl.Info.Printf("%s claimed by operator", rg)

		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/notifications", func(w http.ResponseWriter, r *http.Request) {
		ignoreError(outJson(w, lo.Map(eng.notifications.Snapshot(), func(item NotificationAt, _ int) NotificationOutput {
			return notificationToOutput(item)
		})))
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/logs", func(w http.ResponseWriter, r *http.Request) {
		lines := []string{}
		if eng.logTail != nil {
			lines = eng.logTail.Snapshot()
		}

		ignoreError(outJson(w, lines))
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/scheduler", func(w http.ResponseWriter, r *http.Request) {
		ignoreError(outJson(w, lo.Map(eng.sched.Snapshot(), func(sweep scheduler.SweepSpec, _ int) SweepOutput {
			return sweepToOutput(sweep)
		})))
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/scheduler/{id}/trigger", func(w http.ResponseWriter, r *http.Request) {
		eng.sched.Trigger(mux.Vars(r)["id"])

		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	router.HandleFunc(peerPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != msgpackContentType {
			http.Error(w, "expecting "+msgpackContentType, http.StatusUnsupportedMediaType)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxPeerMessageSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		msg, err := dualsp.DecodeMessage(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		receiveErr := eng.sched.Do(r.Context(), func(now time.Time) error {
			return eng.sync.Receive(msg, now)
		})
		switch {
		case receiveErr == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(receiveErr, dualsp.ErrStaleEpoch):
			http.Error(w, receiveErr.Error(), http.StatusConflict)
		default:
			logl.Error.Printf("peer %s: %v", msg.Kind, receiveErr)
			http.Error(w, receiveErr.Error(), http.StatusInternalServerError)
		}
	}).Methods(http.MethodPost)

	router.Handle("/metrics", eng.metrics.MetricsHTTPHandler())
}

func sparingConfigToOutput(conf dcdb.SparingConfig) SparingConfigOutput {
	return SparingConfigOutput{
		OperationTimeoutSeconds: int(conf.OperationTimeout / time.Second),
		ConfirmationEnabled:     conf.ConfirmationEnabled,
	}
}
