// internal/model/context.go
package model

type contextKey string

// StudentIDKey は認証済み生徒IDをコンテキストへ格納するためのキーです
const StudentIDKey contextKey = "studentID"
