// Package config loads the provisioner configuration and deployment
// parameter files.
//
// Process configuration comes from provisioner.yaml (or the file passed with
// --config) layered under PROVISIONER_* environment variables, so
// PROVISIONER_STORE_DRIVER=sqlite overrides store.driver:
//
//	data_dir: /var/lib/provisioner
//	template_dir: /opt/provisioner/terraform
//	store:
//	  driver: sqlite
//	engine:
//	  max_concurrent: 4
//	credentials:
//	  mode: azure-cli
//	server:
//	  listen: ":8080"
//
// Parameter files describe a single deployment and may be YAML, JSON or CUE.
// CUE files are unified with a closed #Parameters definition before decoding.
package config
