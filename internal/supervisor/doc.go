// Package supervisor keeps long-running services registered with the host's
// init system.
//
// Two backends implement Supervisor: systemd, driven over D-Bus with unit
// files rendered by go-systemd, and OpenRC, driven through rc-update and
// rc-service with generated openrc-run scripts. Detect picks the backend at
// runtime.
//
// Every operation reports a step to the run journal so a repeated run shows
// which services were already in the desired state.
package supervisor
