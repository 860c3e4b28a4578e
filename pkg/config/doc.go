/*
Package config defines the service configuration surface.

Configuration loads from a single YAML file on top of built in
defaults, then validates. The sections mirror the moving parts:
source credentials and endpoints, sink settings, sync worker
tunables, stream consumer settings and the control api binding.

Source credentials are composite app_id/function_id/username strings;
the Source helpers assemble them so the format lives in one place.
*/
package config
