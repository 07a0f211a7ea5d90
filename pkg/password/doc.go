// Package password はパスワードハッシュの生成と照合を提供する。
package password
